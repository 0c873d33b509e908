package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"unnati-cloud-labs/backend/internal/ledger"
	"unnati-cloud-labs/backend/internal/policy/engine"
	"unnati-cloud-labs/backend/internal/provision"
	"unnati-cloud-labs/backend/internal/session/domain"
	"unnati-cloud-labs/backend/internal/session/repository"
)

// --- mocks ---

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (r *memSessionRepo) CreateIfNoActiveSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.UserID == s.UserID && existing.State.Active() {
			return repository.ErrActiveSessionExists
		}
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) Transition(ctx context.Context, id string, expected, next domain.State, fields repository.TransitionFields) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if s.State != expected {
		return nil, repository.ErrStateConflict
	}
	s.State = next
	if fields.RunningSince != nil {
		s.RunningSince = fields.RunningSince
	}
	if fields.Endpoint != nil {
		s.Endpoint = fields.Endpoint
	}
	if fields.TerminationReason != nil {
		s.TerminationReason = *fields.TerminationReason
	}
	if fields.EndedAt != nil {
		s.EndedAt = fields.EndedAt
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) GetActiveForUser(_ context.Context, userID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID && s.State.Active() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) ListByState(_ context.Context, state domain.State) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.State == state {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessionRepo) ListByUser(_ context.Context, userID string, limit int32) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessionRepo) state(t *testing.T, id string) domain.State {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		t.Fatalf("session %s not in store", id)
	}
	return s.State
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int
	refunds  int
}

func newMemLedger(userID string, credits int) *memLedger {
	return &memLedger{balances: map[string]int{userID: credits}}
}

func (l *memLedger) DebitOne(_ context.Context, userID, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < 1 {
		return l.balances[userID], ledger.ErrInsufficientCredits
	}
	l.balances[userID]--
	return l.balances[userID], nil
}

func (l *memLedger) Refund(_ context.Context, userID, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID]++
	l.refunds++
	return l.balances[userID], nil
}

func (l *memLedger) Balance(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *memLedger) refundCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunds
}

// mockProvisioner resolves every Provision call with the configured outcome.
// With block set, Provision waits for release or context cancellation.
type mockProvisioner struct {
	mu          sync.Mutex
	endpoint    *domain.Endpoint
	err         error
	gatewayErr  error
	block       bool
	release     chan struct{}
	teardowns   []string
	gatewayHits int
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{
		endpoint: &domain.Endpoint{URL: "https://gw.example.com/c/abc", Username: "labuser", Password: "s3cret"},
		release:  make(chan struct{}),
	}
}

func (p *mockProvisioner) Provision(ctx context.Context, _ string, _ domain.OSVariant) (*domain.Endpoint, error) {
	p.mu.Lock()
	block := p.block
	ep, err := p.endpoint, p.err
	p.mu.Unlock()
	if block {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, &provision.Error{Stage: provision.StageVM, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (p *mockProvisioner) ConfigureGateway(_ context.Context, _ string, _ string) (*domain.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gatewayHits++
	if p.gatewayErr != nil {
		return nil, p.gatewayErr
	}
	return p.endpoint, nil
}

func (p *mockProvisioner) Teardown(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns = append(p.teardowns, sessionID)
	return nil
}

func (p *mockProvisioner) teardownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.teardowns)
}

type mockScheduler struct {
	mu           sync.Mutex
	registered   map[string]time.Duration
	unregistered []string
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{registered: make(map[string]time.Duration)}
}

func (s *mockScheduler) Register(sessionID string, _ time.Time, budget time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[sessionID] = budget
}

func (s *mockScheduler) Unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, sessionID)
	s.unregistered = append(s.unregistered, sessionID)
}

type denyAllPolicy struct{ reason string }

func (p *denyAllPolicy) EvaluateStart(context.Context, engine.StartInput) (*engine.Decision, error) {
	return &engine.Decision{Allow: false, Reason: p.reason}, nil
}

// --- helpers ---

func newTestOrchestrator(repo repository.Repository, led CreditLedger, prov provision.Provisioner, sched ExpiryScheduler) *Orchestrator {
	return NewOrchestrator(repo, led, prov, sched, 45*time.Minute, 5*time.Minute, Options{})
}

func waitForState(t *testing.T, repo *memSessionRepo, id string, want domain.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if repo.state(t, id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s (stuck at %s)", id, want, repo.state(t, id))
}

// --- tests ---

func TestStartSessionHappyPath(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 3)
	prov := newMockProvisioner()
	sched := newMockScheduler()
	o := newTestOrchestrator(repo, led, prov, sched)

	s, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.State != domain.StateProvisioning {
		t.Fatalf("initial state = %s, want provisioning", s.State)
	}
	if b, _ := led.Balance(context.Background(), "u1"); b != 2 {
		t.Fatalf("balance after debit = %d, want 2", b)
	}

	waitForState(t, repo, s.ID, domain.StateRunning)

	sched.mu.Lock()
	budget, ok := sched.registered[s.ID]
	sched.mu.Unlock()
	if !ok || budget != 45*time.Minute {
		t.Fatalf("expiry not registered with full budget (got %v, ok=%v)", budget, ok)
	}

	status, err := o.GetStatus(context.Background(), s.ID, "u1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.TimeRemaining <= 0 || status.TimeRemaining > 45*time.Minute {
		t.Fatalf("TimeRemaining = %v", status.TimeRemaining)
	}
	ep, err := o.Connect(context.Background(), s.ID, "u1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ep.URL != "https://gw.example.com/c/abc" {
		t.Fatalf("endpoint URL = %q", ep.URL)
	}
}

func TestStartSessionInsufficientCredits(t *testing.T) {
	repo := newMemSessionRepo()
	o := newTestOrchestrator(repo, newMemLedger("u1", 0), newMockProvisioner(), newMockScheduler())

	_, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if len(repo.sessions) != 0 {
		t.Fatal("no session record should exist after a rejected start")
	}
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 5)
	o := newTestOrchestrator(repo, led, newMockProvisioner(), newMockScheduler())

	first, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitForState(t, repo, first.ID, domain.StateRunning)

	_, err = o.StartSession(context.Background(), "u1", "Rocky Linux")
	if !errors.Is(err, repository.ErrActiveSessionExists) {
		t.Fatalf("err = %v, want ErrActiveSessionExists", err)
	}
	if b, _ := led.Balance(context.Background(), "u1"); b != 4 {
		t.Fatalf("balance = %d, want 4 (only one debit)", b)
	}
}

func TestConcurrentStartsExactlyOneWins(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 100)
	o := newTestOrchestrator(repo, led, newMockProvisioner(), newMockScheduler())

	const starters = 8
	results := make(chan error, starters)
	var begin sync.WaitGroup
	begin.Add(1)
	for i := 0; i < starters; i++ {
		go func() {
			begin.Wait()
			_, err := o.StartSession(context.Background(), "u1", "Ubuntu")
			results <- err
		}()
	}
	begin.Done()

	var won, rejected int
	for i := 0; i < starters; i++ {
		switch err := <-results; {
		case err == nil:
			won++
		case errors.Is(err, repository.ErrActiveSessionExists):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || rejected != starters-1 {
		t.Fatalf("wins = %d, rejections = %d, want 1 and %d", won, rejected, starters-1)
	}

	repo.mu.Lock()
	count := len(repo.sessions)
	repo.mu.Unlock()
	if count != 1 {
		t.Fatalf("session records = %d, want 1", count)
	}
	if b, _ := led.Balance(context.Background(), "u1"); b != 99 {
		t.Fatalf("balance = %d, want 99 (losers refunded)", b)
	}
}

func TestStartSessionUnknownVariant(t *testing.T) {
	o := newTestOrchestrator(newMemSessionRepo(), newMemLedger("u1", 1), newMockProvisioner(), newMockScheduler())
	if _, err := o.StartSession(context.Background(), "u1", "Windows"); err == nil {
		t.Fatal("expected error for unknown OS variant")
	}
}

func TestStartSessionPolicyDenied(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 2)
	o := NewOrchestrator(repo, led, newMockProvisioner(), newMockScheduler(),
		45*time.Minute, 5*time.Minute, Options{Policy: &denyAllPolicy{reason: "platform is under maintenance"}})

	_, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	var denied *PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want PolicyDeniedError", err)
	}
	if denied.Reason != "platform is under maintenance" {
		t.Fatalf("reason = %q", denied.Reason)
	}
	if b, _ := led.Balance(context.Background(), "u1"); b != 2 {
		t.Fatalf("balance = %d, want 2 (no debit on policy denial)", b)
	}
}

func TestProvisionFailureRefundsAndTearsDown(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 1)
	prov := newMockProvisioner()
	prov.err = &provision.Error{Stage: provision.StageVM, Err: errors.New("capacity exhausted")}
	o := newTestOrchestrator(repo, led, prov, newMockScheduler())

	s, err := o.StartSession(context.Background(), "u1", "OpenSUSE")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitForState(t, repo, s.ID, domain.StateError)

	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
	if prov.teardownCount() != 1 {
		t.Fatalf("teardown calls = %d, want 1", prov.teardownCount())
	}
	got, _ := repo.GetByID(context.Background(), s.ID)
	if got.TerminationReason != domain.ReasonError {
		t.Fatalf("termination reason = %q, want error", got.TerminationReason)
	}
}

func TestGatewayFailureRetriesOnce(t *testing.T) {
	repo := newMemSessionRepo()
	prov := newMockProvisioner()
	prov.err = &provision.Error{Stage: provision.StageGateway, VMAddr: "10.0.0.7", Err: errors.New("guacd unreachable")}
	o := newTestOrchestrator(repo, newMemLedger("u1", 1), prov, newMockScheduler())

	s, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitForState(t, repo, s.ID, domain.StateRunning)

	prov.mu.Lock()
	hits := prov.gatewayHits
	prov.mu.Unlock()
	if hits != 1 {
		t.Fatalf("gateway retry calls = %d, want 1", hits)
	}
}

func TestGatewayRetryFailureEndsInError(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 1)
	prov := newMockProvisioner()
	prov.err = &provision.Error{Stage: provision.StageGateway, VMAddr: "10.0.0.7", Err: errors.New("guacd unreachable")}
	prov.gatewayErr = &provision.Error{Stage: provision.StageGateway, VMAddr: "10.0.0.7", Err: errors.New("still unreachable")}
	o := newTestOrchestrator(repo, led, prov, newMockScheduler())

	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	waitForState(t, repo, s.ID, domain.StateError)
	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
}

func TestTerminateRunningSession(t *testing.T) {
	repo := newMemSessionRepo()
	prov := newMockProvisioner()
	sched := newMockScheduler()
	o := newTestOrchestrator(repo, newMemLedger("u1", 1), prov, sched)

	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	waitForState(t, repo, s.ID, domain.StateRunning)

	if err := o.Terminate(context.Background(), s.ID, "u1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := repo.state(t, s.ID); got != domain.StateTerminated {
		t.Fatalf("state = %s, want terminated", got)
	}
	final, _ := repo.GetByID(context.Background(), s.ID)
	if final.TerminationReason != domain.ReasonUser {
		t.Fatalf("reason = %q, want user", final.TerminationReason)
	}
	if prov.teardownCount() != 1 {
		t.Fatalf("teardown calls = %d, want 1", prov.teardownCount())
	}
	sched.mu.Lock()
	unreg := len(sched.unregistered)
	sched.mu.Unlock()
	if unreg != 1 {
		t.Fatal("scheduler entry not unregistered")
	}

	// Idempotent: acknowledged without a second teardown.
	if err := o.Terminate(context.Background(), s.ID, "u1"); err != nil {
		t.Fatalf("repeat Terminate: %v", err)
	}
	if prov.teardownCount() != 1 {
		t.Fatal("repeat terminate must not tear down again")
	}
}

func TestTerminateByNonOwner(t *testing.T) {
	repo := newMemSessionRepo()
	o := newTestOrchestrator(repo, newMemLedger("u1", 1), newMockProvisioner(), newMockScheduler())
	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	waitForState(t, repo, s.ID, domain.StateRunning)

	if err := o.Terminate(context.Background(), s.ID, "u2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := o.Terminate(context.Background(), "no-such-id", "u1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTerminateDuringProvisioningCancelsAndRefunds(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 1)
	prov := newMockProvisioner()
	prov.block = true
	o := newTestOrchestrator(repo, led, prov, newMockScheduler())

	s, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := o.Terminate(context.Background(), s.ID, "u1"); err != nil {
		t.Fatalf("Terminate during provisioning: %v", err)
	}

	waitForState(t, repo, s.ID, domain.StateError)
	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
	if led.refundCount() != 1 {
		t.Fatalf("refunds = %d, want exactly 1", led.refundCount())
	}
}

func TestProvisionTimeoutFailsAndRefunds(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 1)
	prov := newMockProvisioner()
	prov.block = true
	o := NewOrchestrator(repo, led, prov, newMockScheduler(), 45*time.Minute, 30*time.Millisecond, Options{})

	s, err := o.StartSession(context.Background(), "u1", "Ubuntu")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// The provisioning context expires while the provisioner hangs; the
	// compensating transition and refund must still land.
	waitForState(t, repo, s.ID, domain.StateError)
	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
	final, _ := repo.GetByID(context.Background(), s.ID)
	if final.TerminationReason != domain.ReasonError {
		t.Fatalf("reason = %q, want error", final.TerminationReason)
	}
}

func TestHandleDeadlineCompletesSession(t *testing.T) {
	repo := newMemSessionRepo()
	prov := newMockProvisioner()
	o := newTestOrchestrator(repo, newMemLedger("u1", 1), prov, newMockScheduler())

	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	waitForState(t, repo, s.ID, domain.StateRunning)

	o.HandleDeadline(context.Background(), s.ID)
	if got := repo.state(t, s.ID); got != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
	final, _ := repo.GetByID(context.Background(), s.ID)
	if final.TerminationReason != domain.ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", final.TerminationReason)
	}

	// Deadline firing again after the session is terminal is a no-op.
	o.HandleDeadline(context.Background(), s.ID)
	if prov.teardownCount() != 1 {
		t.Fatal("repeat deadline must not tear down again")
	}
}

func TestDeadlineAndUserTerminateRace(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 1)
	prov := newMockProvisioner()
	o := newTestOrchestrator(repo, led, prov, newMockScheduler())

	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	waitForState(t, repo, s.ID, domain.StateRunning)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.HandleDeadline(context.Background(), s.ID)
	}()
	go func() {
		defer wg.Done()
		_ = o.Terminate(context.Background(), s.ID, "u1")
	}()
	wg.Wait()

	got := repo.state(t, s.ID)
	if got != domain.StateCompleted && got != domain.StateTerminated {
		t.Fatalf("state = %s, want a terminal state", got)
	}
	if prov.teardownCount() != 1 {
		t.Fatalf("teardown calls = %d, want exactly 1", prov.teardownCount())
	}
	if led.refundCount() != 0 {
		t.Fatal("a consumed session must not be refunded")
	}
}

func TestRecoverFailsStrandedProvisioning(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 0) // balance after the pre-restart debit
	prov := newMockProvisioner()
	o := newTestOrchestrator(repo, led, prov, newMockScheduler())

	stale := &domain.Session{
		ID:             "stale-1",
		UserID:         "u1",
		OSVariant:      domain.OSUbuntu,
		State:          domain.StateProvisioning,
		DurationBudget: 45 * time.Minute,
		CreatedAt:      time.Now().Add(-10 * time.Minute),
	}
	if err := repo.CreateIfNoActiveSession(context.Background(), stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := repo.state(t, "stale-1"); got != domain.StateError {
		t.Fatalf("state = %s, want error", got)
	}
	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
}

func TestRecoverRevisitsYoungProvisioning(t *testing.T) {
	repo := newMemSessionRepo()
	led := newMemLedger("u1", 0) // balance after the pre-restart debit
	prov := newMockProvisioner()
	o := NewOrchestrator(repo, led, prov, newMockScheduler(), 45*time.Minute, 20*time.Millisecond, Options{})

	// Younger than the provisioning window, but orphaned: no goroutine owns it
	// after a restart. Recover must not forget it.
	young := &domain.Session{
		ID:             "young-1",
		UserID:         "u1",
		OSVariant:      domain.OSRockyLinux,
		State:          domain.StateProvisioning,
		DurationBudget: 45 * time.Minute,
		CreatedAt:      time.Now(),
	}
	if err := repo.CreateIfNoActiveSession(context.Background(), young); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := repo.state(t, "young-1"); got != domain.StateProvisioning {
		t.Fatalf("state immediately after Recover = %s, want provisioning", got)
	}

	waitForState(t, repo, "young-1", domain.StateError)
	if b, _ := led.Balance(context.Background(), "u1"); b != 1 {
		t.Fatalf("balance = %d, want 1 (refunded)", b)
	}
}

func TestConnectRequiresRunning(t *testing.T) {
	repo := newMemSessionRepo()
	prov := newMockProvisioner()
	prov.block = true
	o := newTestOrchestrator(repo, newMemLedger("u1", 1), prov, newMockScheduler())

	s, _ := o.StartSession(context.Background(), "u1", "Ubuntu")
	if _, err := o.Connect(context.Background(), s.ID, "u1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	if _, err := o.Connect(context.Background(), s.ID, "u2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	close(prov.release)
	waitForState(t, repo, s.ID, domain.StateRunning)
}
