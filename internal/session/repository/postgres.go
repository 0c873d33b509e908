package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"unnati-cloud-labs/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, os_variant, state, duration_seconds,
	connection_url, connection_username, connection_password,
	termination_reason, created_at, running_since, ended_at`

// PostgresRepository implements Repository on Postgres.
//
// The one-active-session-per-user invariant is enforced by the partial unique
// index sessions_one_active_per_user; concurrent starts race on the index
// instead of on application locks.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateIfNoActiveSession inserts the session, mapping a unique violation on
// the active-session index to ErrActiveSessionExists.
func (r *PostgresRepository) CreateIfNoActiveSession(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, os_variant, state, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, string(s.OSVariant), string(s.State), int64(s.DurationBudget.Seconds()), s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrActiveSessionExists
	}
	return err
}

// Transition performs the optimistic-concurrency state update: the row is only
// touched while it is still in the expected state.
func (r *PostgresRepository) Transition(ctx context.Context, id string, expected, next domain.State, fields TransitionFields) (*domain.Session, error) {
	var (
		connURL, connUser, connPass sql.NullString
		reason                      sql.NullString
		runningSince, endedAt       sql.NullTime
	)
	if fields.Endpoint != nil {
		connURL = sql.NullString{String: fields.Endpoint.URL, Valid: true}
		connUser = sql.NullString{String: fields.Endpoint.Username, Valid: true}
		connPass = sql.NullString{String: fields.Endpoint.Password, Valid: true}
	}
	if fields.TerminationReason != nil {
		reason = sql.NullString{String: string(*fields.TerminationReason), Valid: true}
	}
	runningSince = timeToNullTime(fields.RunningSince)
	endedAt = timeToNullTime(fields.EndedAt)

	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions SET
			state = $3,
			running_since = COALESCE($4, running_since),
			connection_url = COALESCE($5, connection_url),
			connection_username = COALESCE($6, connection_username),
			connection_password = COALESCE($7, connection_password),
			termination_reason = COALESCE($8, termination_reason),
			ended_at = COALESCE($9, ended_at)
		WHERE id = $1 AND state = $2
		RETURNING `+sessionColumns,
		id, string(expected), string(next),
		runningSince, connURL, connUser, connPass, reason, endedAt,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a stale expectation from a missing row.
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrStateConflict
		}
		return nil, err
	}
	return s, nil
}

// GetByID returns the session for id, or ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetActiveForUser returns the user's non-terminal session, or nil if none.
func (r *PostgresRepository) GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 AND state IN ('provisioning', 'running', 'terminating')`,
		userID,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListByState returns all sessions in the given state. Used by the expiry
// scheduler to rebuild deadlines after a restart and by Recover for stranded
// provisioning rows.
func (r *PostgresRepository) ListByState(ctx context.Context, state domain.State) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = $1`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListByUser returns the user's sessions newest first, up to limit.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                           domain.Session
		osVariant, state            string
		durationSeconds             int64
		connURL, connUser, connPass sql.NullString
		reason                      sql.NullString
		runningSince, endedAt       sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &osVariant, &state, &durationSeconds,
		&connURL, &connUser, &connPass,
		&reason, &s.CreatedAt, &runningSince, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	s.OSVariant = domain.OSVariant(osVariant)
	s.State = domain.State(state)
	s.DurationBudget = time.Duration(durationSeconds) * time.Second
	if connURL.Valid {
		s.Endpoint = &domain.Endpoint{
			URL:      connURL.String,
			Username: connUser.String,
			Password: connPass.String,
		}
	}
	if reason.Valid {
		s.TerminationReason = domain.TerminationReason(reason.String)
	}
	s.RunningSince = nullTimeToPtr(runningSince)
	s.EndedAt = nullTimeToPtr(endedAt)
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]*domain.Session, error) {
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// The stdlib driver path can surface the code in the message only.
	return strings.Contains(err.Error(), "23505")
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
