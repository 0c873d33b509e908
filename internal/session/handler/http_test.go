package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"unnati-cloud-labs/backend/internal/ledger"
	"unnati-cloud-labs/backend/internal/server/middleware"
	"unnati-cloud-labs/backend/internal/session/domain"
	"unnati-cloud-labs/backend/internal/session/repository"
	"unnati-cloud-labs/backend/internal/session/service"
)

type mockService struct {
	startFn     func(ctx context.Context, userID, osName string) (*domain.Session, error)
	activeFn    func(ctx context.Context, userID string) (*domain.Session, error)
	statusFn    func(ctx context.Context, sessionID, userID string) (*service.Status, error)
	connectFn   func(ctx context.Context, sessionID, userID string) (*domain.Endpoint, error)
	terminateFn func(ctx context.Context, sessionID, userID string) error
	historyFn   func(ctx context.Context, userID string, limit int32) ([]*domain.Session, error)
}

func (m *mockService) StartSession(ctx context.Context, userID, osName string) (*domain.Session, error) {
	return m.startFn(ctx, userID, osName)
}

func (m *mockService) GetActiveSession(ctx context.Context, userID string) (*domain.Session, error) {
	return m.activeFn(ctx, userID)
}

func (m *mockService) GetStatus(ctx context.Context, sessionID, userID string) (*service.Status, error) {
	return m.statusFn(ctx, sessionID, userID)
}

func (m *mockService) Connect(ctx context.Context, sessionID, userID string) (*domain.Endpoint, error) {
	return m.connectFn(ctx, sessionID, userID)
}

func (m *mockService) Terminate(ctx context.Context, sessionID, userID string) error {
	return m.terminateFn(ctx, sessionID, userID)
}

func (m *mockService) History(ctx context.Context, userID string, limit int32) ([]*domain.Session, error) {
	return m.historyFn(ctx, userID, limit)
}

type staticValidator struct{ userID string }

func (v staticValidator) ValidateAccess(token string) (string, error) {
	return v.userID, nil
}

func newTestRouter(svc SessionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.RequireAuth(staticValidator{userID: "u1"}))
	NewSessionHandler(svc).Register(api)
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartReturnsAccepted(t *testing.T) {
	svc := &mockService{
		startFn: func(_ context.Context, userID, osName string) (*domain.Session, error) {
			if userID != "u1" || osName != "Ubuntu" {
				t.Errorf("unexpected args %q %q", userID, osName)
			}
			return &domain.Session{
				ID:        "s1",
				UserID:    userID,
				OSVariant: domain.OSUbuntu,
				State:     domain.StateProvisioning,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/lab/start", `{"osType":"Ubuntu"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] != "provisioning" || resp["id"] != "s1" {
		t.Fatalf("unexpected body: %v", resp)
	}
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"insufficient credits", ledger.ErrInsufficientCredits, http.StatusPaymentRequired},
		{"active session exists", repository.ErrActiveSessionExists, http.StatusConflict},
		{"unknown variant", domain.ErrUnknownOSVariant, http.StatusBadRequest},
		{"policy denied", &service.PolicyDeniedError{Reason: "platform is under maintenance"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{
				startFn: func(context.Context, string, string) (*domain.Session, error) {
					return nil, tc.err
				},
			}
			w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/lab/start", `{"osType":"Ubuntu"}`)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestStartRejectsMissingBody(t *testing.T) {
	svc := &mockService{
		startFn: func(context.Context, string, string) (*domain.Session, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/lab/start", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStatusIncludesRemainingSeconds(t *testing.T) {
	since := time.Now().Add(-5 * time.Minute)
	svc := &mockService{
		statusFn: func(_ context.Context, sessionID, userID string) (*service.Status, error) {
			return &service.Status{
				Session: &domain.Session{
					ID:           sessionID,
					UserID:       userID,
					OSVariant:    domain.OSRockyLinux,
					State:        domain.StateRunning,
					RunningSince: &since,
				},
				TimeRemaining: 40 * time.Minute,
			}, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/lab/s1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["remainingSeconds"] != float64(2400) {
		t.Fatalf("remainingSeconds = %v, want 2400", resp["remainingSeconds"])
	}
}

func TestConnectReturnsEndpoint(t *testing.T) {
	svc := &mockService{
		connectFn: func(context.Context, string, string) (*domain.Endpoint, error) {
			return &domain.Endpoint{URL: "https://gw/c/1", Username: "labuser", Password: "pw"}, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/lab/s1/connect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "https://gw/c/1") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestConnectErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{service.ErrNotOwner, http.StatusForbidden},
		{service.ErrNotRunning, http.StatusConflict},
	}
	for _, tc := range cases {
		svc := &mockService{
			connectFn: func(context.Context, string, string) (*domain.Endpoint, error) {
				return nil, tc.err
			},
		}
		w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/lab/s1/connect", "")
		if w.Code != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestTerminateAcknowledges(t *testing.T) {
	called := false
	svc := &mockService{
		terminateFn: func(_ context.Context, sessionID, userID string) error {
			called = true
			if sessionID != "s1" || userID != "u1" {
				t.Errorf("unexpected args %q %q", sessionID, userID)
			}
			return nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/lab/s1/terminate", "")
	if w.Code != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v", w.Code, called)
	}
}

func TestActiveNotFound(t *testing.T) {
	svc := &mockService{
		activeFn: func(context.Context, string) (*domain.Session, error) {
			return nil, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/lab/active", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHistoryListsSessions(t *testing.T) {
	ended := time.Now()
	svc := &mockService{
		historyFn: func(context.Context, string, int32) ([]*domain.Session, error) {
			return []*domain.Session{
				{ID: "s2", State: domain.StateTerminated, OSVariant: domain.OSUbuntu, TerminationReason: domain.ReasonUser, EndedAt: &ended},
				{ID: "s1", State: domain.StateCompleted, OSVariant: domain.OSOpenSUSE},
			}, nil
		},
	}
	w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/user/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(resp.Sessions))
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	r := newTestRouter(&mockService{})
	req := httptest.NewRequest(http.MethodGet, "/api/lab/active", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
