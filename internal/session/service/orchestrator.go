// Package service implements the lab session orchestrator: it validates
// eligibility, debits credits, drives provisioning, answers status queries,
// and walks every session to a terminal state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"unnati-cloud-labs/backend/internal/audit"
	"unnati-cloud-labs/backend/internal/events"
	eventsdomain "unnati-cloud-labs/backend/internal/events/domain"
	"unnati-cloud-labs/backend/internal/policy/engine"
	"unnati-cloud-labs/backend/internal/provision"
	"unnati-cloud-labs/backend/internal/session/domain"
	"unnati-cloud-labs/backend/internal/session/repository"
)

// Sentinel errors for the orchestrator; handlers map them to HTTP statuses.
// Store-level errors (ErrNotFound, ErrActiveSessionExists, ErrStateConflict)
// and ledger.ErrInsufficientCredits pass through unchanged.
var (
	ErrNotOwner   = errors.New("session does not belong to the requesting user")
	ErrNotRunning = errors.New("session is not running")
)

// PolicyDeniedError is returned by StartSession when the session-start policy
// rejects the request.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("session start denied by policy: %s", e.Reason)
}

// CreditLedger is the minimal ledger surface the orchestrator needs.
type CreditLedger interface {
	DebitOne(ctx context.Context, userID, sessionID string) (int, error)
	Refund(ctx context.Context, userID, sessionID string) (int, error)
	Balance(ctx context.Context, userID string) (int, error)
}

// ExpiryScheduler is the minimal scheduler surface the orchestrator needs.
type ExpiryScheduler interface {
	Register(sessionID string, runningSince time.Time, budget time.Duration)
	Unregister(sessionID string)
}

// PolicyEvaluator gates session starts. May be nil (everything allowed).
type PolicyEvaluator interface {
	EvaluateStart(ctx context.Context, input engine.StartInput) (*engine.Decision, error)
}

// Status is a point-in-time read of a session, with the server-computed time
// remaining. Clients must treat their own timers as presentational mirrors of
// this value, never a source of truth.
type Status struct {
	Session       *domain.Session
	TimeRemaining time.Duration
}

// Orchestrator owns the session state machine.
//
// The two external calls inside provisioning are the only long-latency
// operations; they run in their own goroutine with no store or ledger lock
// held, and only the terminal transition touches the store again.
type Orchestrator struct {
	sessions    repository.Repository
	ledger      CreditLedger
	provisioner provision.Provisioner
	sched       ExpiryScheduler
	policy      PolicyEvaluator
	auditor     audit.AuditLogger
	emitter     events.Emitter

	duration         time.Duration
	provisionTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	now    func() time.Time
	tracer trace.Tracer
}

// Options carries the optional orchestrator collaborators.
type Options struct {
	Policy  PolicyEvaluator
	Auditor audit.AuditLogger
	Emitter events.Emitter
}

// NewOrchestrator wires the orchestrator. duration is the fixed per-session
// budget; provisionTimeout bounds a provisioning attempt end to end.
func NewOrchestrator(
	sessions repository.Repository,
	ledger CreditLedger,
	provisioner provision.Provisioner,
	sched ExpiryScheduler,
	duration, provisionTimeout time.Duration,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		sessions:         sessions,
		ledger:           ledger,
		provisioner:      provisioner,
		sched:            sched,
		policy:           opts.Policy,
		auditor:          opts.Auditor,
		emitter:          opts.Emitter,
		duration:         duration,
		provisionTimeout: provisionTimeout,
		inflight:         make(map[string]context.CancelFunc),
		now:              time.Now,
		tracer:           otel.Tracer("cloudlabs/session"),
	}
}

// StartSession turns a start request into a provisioning session: it checks
// the active-session and credit guards, debits one credit, creates the record,
// and kicks off provisioning asynchronously.
//
// The debit precedes the external call, so every path that fails to reach
// running must issue the compensating refund.
func (o *Orchestrator) StartSession(ctx context.Context, userID, osName string) (*domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartSession",
		trace.WithAttributes(attribute.String("lab.os_variant", osName)))
	defer span.End()

	variant, err := domain.ParseOSVariant(osName)
	if err != nil {
		return nil, err
	}

	active, err := o.sessions.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, repository.ErrActiveSessionExists
	}

	balance, err := o.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if o.policy != nil {
		decision, err := o.policy.EvaluateStart(ctx, engine.StartInput{
			UserID:    userID,
			OSVariant: string(variant),
			Credits:   balance,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Allow {
			return nil, &PolicyDeniedError{Reason: decision.Reason}
		}
	}

	session := &domain.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		OSVariant:      variant,
		State:          domain.StateProvisioning,
		DurationBudget: o.duration,
		CreatedAt:      o.now().UTC(),
	}
	span.SetAttributes(attribute.String("lab.session_id", session.ID))

	if _, err := o.ledger.DebitOne(ctx, userID, session.ID); err != nil {
		return nil, err
	}

	if err := o.sessions.CreateIfNoActiveSession(ctx, session); err != nil {
		// The debit is already committed; compensate before surfacing the error.
		o.refund(userID, session.ID, "create failed after debit")
		return nil, err
	}

	pctx, cancel := context.WithTimeout(context.Background(), o.provisionTimeout)
	o.mu.Lock()
	o.inflight[session.ID] = cancel
	o.mu.Unlock()
	go o.resolveProvision(pctx, session.ID, session.UserID, variant)

	o.logEvent(ctx, userID, "start", "session", session.ID)
	events.EmitAsync(o.emitter, ctx, o.newEvent(eventsdomain.SessionStarted, session, ""))
	return session, nil
}

// GetStatus is a pure read of the session store plus the derived time
// remaining for running sessions.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID, requestingUserID string) (*Status, error) {
	session, err := o.ownedSession(ctx, sessionID, requestingUserID)
	if err != nil {
		return nil, err
	}
	status := &Status{Session: session}
	if session.State == domain.StateRunning {
		status.TimeRemaining = session.TimeRemaining(o.now())
	}
	return status, nil
}

// Connect returns the remote-desktop endpoint for a running session.
// Reconnect is not a distinct state: the stored endpoint is simply reused and
// no new provisioning occurs.
func (o *Orchestrator) Connect(ctx context.Context, sessionID, requestingUserID string) (*domain.Endpoint, error) {
	session, err := o.ownedSession(ctx, sessionID, requestingUserID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.StateRunning || session.Endpoint == nil {
		return nil, ErrNotRunning
	}
	return session.Endpoint, nil
}

// GetActiveSession returns the user's non-terminal session, or nil.
func (o *Orchestrator) GetActiveSession(ctx context.Context, userID string) (*domain.Session, error) {
	return o.sessions.GetActiveForUser(ctx, userID)
}

// History returns the user's sessions, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int32) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return o.sessions.ListByUser(ctx, userID, limit)
}

// Terminate ends a session on the user's request. Idempotent: repeat calls on
// a session that already left running are acknowledged without effect. A call
// racing an in-flight provision cancels it; the provisioning path then
// resolves the session to error with a refund.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID, requestingUserID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Terminate",
		trace.WithAttributes(attribute.String("lab.session_id", sessionID)))
	defer span.End()

	session, err := o.ownedSession(ctx, sessionID, requestingUserID)
	if err != nil {
		return err
	}

	switch session.State {
	case domain.StateProvisioning:
		o.cancelInflight(sessionID)
		o.logEvent(ctx, requestingUserID, "terminate", "session", sessionID)
		return nil
	case domain.StateRunning:
		o.logEvent(ctx, requestingUserID, "terminate", "session", sessionID)
		return o.finishTermination(ctx, session, domain.ReasonUser)
	default:
		// Terminating or already terminal: the other path owns the rest.
		return nil
	}
}

// HandleWarning is the scheduler's expiry-warning callback. Safe to fire for
// sessions that already left running.
func (o *Orchestrator) HandleWarning(ctx context.Context, sessionID string) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil || session.State != domain.StateRunning {
		return
	}
	remaining := session.TimeRemaining(o.now())
	o.logEvent(ctx, "", "expire_warning", "session", sessionID)
	events.EmitAsync(o.emitter, ctx, o.newEvent(eventsdomain.SessionExpiring, session,
		fmt.Sprintf("%.0fs remaining", remaining.Seconds())))
}

// HandleDeadline is the scheduler's forced-termination callback. Safe to fire
// for sessions that already left running; the transition guard makes it a no-op.
func (o *Orchestrator) HandleDeadline(ctx context.Context, sessionID string) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		log.Printf("session: deadline fired for unknown session %s: %v", sessionID, err)
		return
	}
	if session.State != domain.StateRunning {
		return
	}
	o.logEvent(ctx, "", "expire", "session", sessionID)
	if err := o.finishTermination(ctx, session, domain.ReasonTimeout); err != nil {
		log.Printf("session: deadline termination of %s: %v", sessionID, err)
	}
}

// Recover resolves sessions stranded by a process restart: provisioning rows
// older than the provisioning timeout are failed and refunded, younger ones
// are revisited once their window elapses. Call once at startup, before the
// scheduler resync.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stranded, err := o.sessions.ListByState(ctx, domain.StateProvisioning)
	if err != nil {
		return err
	}
	cutoff := o.now().Add(-o.provisionTimeout)
	for _, session := range stranded {
		o.mu.Lock()
		_, active := o.inflight[session.ID]
		o.mu.Unlock()
		if active {
			continue
		}
		if session.CreatedAt.After(cutoff) {
			// Too young to declare dead, but no goroutine owns it either.
			// Revisit once its provisioning window has elapsed.
			wait := session.CreatedAt.Add(o.provisionTimeout).Sub(o.now()) + time.Second
			log.Printf("session: rechecking provisioning session %s in %s", session.ID, wait.Round(time.Second))
			time.AfterFunc(wait, func() { o.recheckStranded(session.ID) })
			continue
		}
		log.Printf("session: recovering stranded provisioning session %s", session.ID)
		o.failProvision(ctx, session.ID, session.UserID, session.OSVariant,
			errors.New("process restarted during provisioning"))
	}
	return nil
}

// recheckStranded revisits a session Recover found in provisioning before its
// window had elapsed. If it is still in provisioning with no in-flight attempt
// by now, no one is going to resolve it.
func (o *Orchestrator) recheckStranded(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.mu.Lock()
	_, active := o.inflight[sessionID]
	o.mu.Unlock()
	if active {
		return
	}
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil || session.State != domain.StateProvisioning {
		return
	}
	log.Printf("session: recovering stranded provisioning session %s", sessionID)
	o.failProvision(ctx, sessionID, session.UserID, session.OSVariant,
		errors.New("provisioning never resolved after restart"))
}

// resolveProvision runs in its own goroutine and carries the session out of
// provisioning: to running on success, to error with a refund on failure.
// On a gateway-stage failure it retries the gateway configuration once; VM
// creation is never retried blindly.
func (o *Orchestrator) resolveProvision(ctx context.Context, sessionID, userID string, variant domain.OSVariant) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resolveProvision",
		trace.WithAttributes(attribute.String("lab.session_id", sessionID)))
	defer span.End()
	defer o.cancelInflight(sessionID)

	endpoint, err := o.provisioner.Provision(ctx, sessionID, variant)
	if err != nil {
		var pErr *provision.Error
		if errors.As(err, &pErr) && pErr.Stage == provision.StageGateway && pErr.VMAddr != "" && ctx.Err() == nil {
			log.Printf("session: gateway stage failed for %s, retrying once: %v", sessionID, err)
			endpoint, err = o.provisioner.ConfigureGateway(ctx, sessionID, pErr.VMAddr)
		}
	}
	if err == nil {
		// A cancel or timeout that lands after the provisioner returned still
		// has to resolve the session; treat it as a failed attempt so the
		// debit is refunded and the VM released.
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		o.failProvision(ctx, sessionID, userID, variant, err)
		return
	}

	now := o.now().UTC()
	tctx, cancelTransition := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelTransition()
	updated, err := o.sessions.Transition(tctx, sessionID, domain.StateProvisioning, domain.StateRunning,
		repository.TransitionFields{RunningSince: &now, Endpoint: endpoint})
	if err != nil {
		// The session was resolved elsewhere (e.g. recovered as error) while
		// the external call was in flight. The VM exists; release it.
		log.Printf("session: %s left provisioning before success landed: %v", sessionID, err)
		o.teardown(sessionID)
		return
	}

	o.sched.Register(sessionID, now, updated.DurationBudget)
	events.EmitAsync(o.emitter, ctx, o.newEvent(eventsdomain.SessionRunning, updated, ""))
}

// failProvision is the compensating path: terminal error state, refund of the
// debit, best-effort teardown of whatever the provisioner managed to create.
// The caller's context is often already canceled or expired here (that is how
// we got here), so the compensating writes run detached from it.
func (o *Orchestrator) failProvision(ctx context.Context, sessionID, userID string, variant domain.OSVariant, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	reason := domain.ReasonError
	endedAt := o.now().UTC()
	_, err := o.sessions.Transition(ctx, sessionID, domain.StateProvisioning, domain.StateError,
		repository.TransitionFields{TerminationReason: &reason, EndedAt: &endedAt})
	if err != nil {
		// Lost the race with another resolver; that path owns the refund.
		if !errors.Is(err, repository.ErrStateConflict) {
			log.Printf("session: failing provisioning session %s: %v", sessionID, err)
		}
		return
	}

	o.refund(userID, sessionID, cause.Error())
	o.teardown(sessionID)
	o.logEvent(ctx, userID, "provision_failed", "session", sessionID)
	events.EmitAsync(o.emitter, ctx, &eventsdomain.Event{
		ID:        uuid.New().String(),
		EventType: eventsdomain.ProvisionFailed,
		SessionID: sessionID,
		UserID:    userID,
		OSVariant: string(variant),
		Detail:    cause.Error(),
		Source:    "orchestrator",
		CreatedAt: o.now().UTC(),
	})
}

// finishTermination walks running -> terminating -> terminal. Exactly one
// caller wins the first transition; losers observe StateConflict and discard it.
func (o *Orchestrator) finishTermination(ctx context.Context, session *domain.Session, reason domain.TerminationReason) error {
	_, err := o.sessions.Transition(ctx, session.ID, domain.StateRunning, domain.StateTerminating,
		repository.TransitionFields{})
	if errors.Is(err, repository.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	o.sched.Unregister(session.ID)
	o.teardown(session.ID)

	final := domain.StateTerminated
	eventType := eventsdomain.SessionTerminated
	if reason == domain.ReasonTimeout {
		final = domain.StateCompleted
		eventType = eventsdomain.SessionCompleted
	}
	endedAt := o.now().UTC()
	updated, err := o.sessions.Transition(ctx, session.ID, domain.StateTerminating, final,
		repository.TransitionFields{TerminationReason: &reason, EndedAt: &endedAt})
	if errors.Is(err, repository.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	events.EmitAsync(o.emitter, ctx, o.newEvent(eventType, updated, ""))
	return nil
}

// teardown releases the session's external resources, best-effort, without
// blocking the caller's transition.
func (o *Orchestrator) teardown(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.provisioner.Teardown(ctx, sessionID); err != nil {
		log.Printf("session: teardown of %s failed: %v", sessionID, err)
	}
}

func (o *Orchestrator) refund(userID, sessionID, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.ledger.Refund(ctx, userID, sessionID); err != nil {
		// A lost refund is a billing bug; make it loud in the audit trail.
		log.Printf("session: REFUND FAILED for user %s session %s (%s): %v", userID, sessionID, why, err)
		o.logEvent(ctx, userID, "refund_failed", "credits", sessionID)
		return
	}
	o.logEvent(ctx, userID, "refund", "credits", sessionID)
}

func (o *Orchestrator) cancelInflight(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[sessionID]
	delete(o.inflight, sessionID)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) ownedSession(ctx context.Context, sessionID, requestingUserID string) (*domain.Session, error) {
	session, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if requestingUserID != "" && session.UserID != requestingUserID {
		return nil, ErrNotOwner
	}
	return session, nil
}

func (o *Orchestrator) logEvent(ctx context.Context, userID, action, resource, metadata string) {
	if o.auditor != nil {
		o.auditor.LogEvent(ctx, userID, action, resource, metadata)
	}
}

func (o *Orchestrator) newEvent(eventType eventsdomain.Type, session *domain.Session, detail string) *eventsdomain.Event {
	return &eventsdomain.Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		SessionID: session.ID,
		UserID:    session.UserID,
		OSVariant: string(session.OSVariant),
		Detail:    detail,
		Source:    "orchestrator",
		CreatedAt: o.now().UTC(),
	}
}
