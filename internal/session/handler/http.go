// Package handler exposes the lab session lifecycle over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"unnati-cloud-labs/backend/internal/ledger"
	"unnati-cloud-labs/backend/internal/server/middleware"
	"unnati-cloud-labs/backend/internal/session/domain"
	"unnati-cloud-labs/backend/internal/session/repository"
	"unnati-cloud-labs/backend/internal/session/service"
)

// SessionService is the orchestrator surface the handlers need.
type SessionService interface {
	StartSession(ctx context.Context, userID, osName string) (*domain.Session, error)
	GetActiveSession(ctx context.Context, userID string) (*domain.Session, error)
	GetStatus(ctx context.Context, sessionID, requestingUserID string) (*service.Status, error)
	Connect(ctx context.Context, sessionID, requestingUserID string) (*domain.Endpoint, error)
	Terminate(ctx context.Context, sessionID, requestingUserID string) error
	History(ctx context.Context, userID string, limit int32) ([]*domain.Session, error)
}

var _ SessionService = (*service.Orchestrator)(nil)

// SessionHandler maps the lab session routes onto the orchestrator.
type SessionHandler struct {
	orchestrator SessionService
}

func NewSessionHandler(orchestrator SessionService) *SessionHandler {
	return &SessionHandler{orchestrator: orchestrator}
}

// Register mounts the session routes on an authenticated route group.
func (h *SessionHandler) Register(r gin.IRoutes) {
	r.POST("/lab/start", h.Start)
	r.GET("/lab/active", h.Active)
	r.GET("/lab/:id/status", h.Status)
	r.GET("/lab/:id/connect", h.Connect)
	r.POST("/lab/:id/terminate", h.Terminate)
	r.GET("/user/sessions", h.History)
}

type startRequest struct {
	OSType string `json:"osType" binding:"required"`
}

type sessionResponse struct {
	ID                string     `json:"id"`
	OSType            string     `json:"osType"`
	State             string     `json:"state"`
	CreatedAt         time.Time  `json:"createdAt"`
	RunningSince      *time.Time `json:"runningSince,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	TerminationReason string     `json:"terminationReason,omitempty"`
	RemainingSeconds  *int64     `json:"remainingSeconds,omitempty"`
	ConnectionURL     string     `json:"connectionUrl,omitempty"`
}

type endpointResponse struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func toSessionResponse(s *domain.Session) *sessionResponse {
	return &sessionResponse{
		ID:                s.ID,
		OSType:            string(s.OSVariant),
		State:             string(s.State),
		CreatedAt:         s.CreatedAt,
		RunningSince:      s.RunningSince,
		EndedAt:           s.EndedAt,
		TerminationReason: string(s.TerminationReason),
	}
}

// Start creates a new lab session for the authenticated user.
func (h *SessionHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "osType is required"})
		return
	}

	session, err := h.orchestrator.StartSession(c.Request.Context(), middleware.UserID(c), req.OSType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toSessionResponse(session))
}

// Active returns the user's current non-terminal session, or 404.
func (h *SessionHandler) Active(c *gin.Context) {
	session, err := h.orchestrator.GetActiveSession(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// Status returns the session state plus the server-computed time remaining.
func (h *SessionHandler) Status(c *gin.Context) {
	status, err := h.orchestrator.GetStatus(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := toSessionResponse(status.Session)
	if status.Session.State == domain.StateRunning {
		secs := int64(status.TimeRemaining.Seconds())
		resp.RemainingSeconds = &secs
		if status.Session.Endpoint != nil {
			resp.ConnectionURL = status.Session.Endpoint.URL
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Connect returns the remote-desktop endpoint of a running session. The same
// endpoint is returned on reconnect; no new resources are created.
func (h *SessionHandler) Connect(c *gin.Context) {
	endpoint, err := h.orchestrator.Connect(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, endpointResponse{
		URL:      endpoint.URL,
		Username: endpoint.Username,
		Password: endpoint.Password,
	})
}

// Terminate ends the session. Repeat calls succeed without effect.
func (h *SessionHandler) Terminate(c *gin.Context) {
	if err := h.orchestrator.Terminate(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session terminated"})
}

// History lists the user's sessions, newest first.
func (h *SessionHandler) History(c *gin.Context) {
	sessions, err := h.orchestrator.History(c.Request.Context(), middleware.UserID(c), 50)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]*sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) writeError(c *gin.Context, err error) {
	var denied *service.PolicyDeniedError
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
	case errors.Is(err, repository.ErrActiveSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "an active session already exists"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another user"})
	case errors.Is(err, service.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not running"})
	case errors.Is(err, domain.ErrUnknownOSVariant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown OS variant"})
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": denied.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
