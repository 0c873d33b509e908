// Package repository persists credit balances and their movement history.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"unnati-cloud-labs/backend/internal/ledger"
	"unnati-cloud-labs/backend/internal/ledger/domain"
	userrepo "unnati-cloud-labs/backend/internal/user/repository"
)

// PostgresRepository implements ledger.Repository on Postgres.
//
// DebitOne is a single conditional UPDATE guarded by credits >= 1, so the
// balance check and decrement cannot race with a concurrent debit for the
// same user; the row lock gives a single global ordering per user.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a ledger repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// DebitOne decrements the balance by one if at least one credit is available
// and records tx, both in one database transaction.
func (r *PostgresRepository) DebitOne(ctx context.Context, userID string, tx *domain.Transaction) (int, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	var balance int
	err = dbTx.QueryRowContext(ctx, `
		UPDATE users SET credits = credits - 1
		WHERE id = $1 AND credits >= 1
		RETURNING credits`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the user does not exist or the balance is zero.
		var exists bool
		if checkErr := dbTx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); checkErr != nil {
			return 0, checkErr
		}
		if !exists {
			return 0, userrepo.ErrNotFound
		}
		return 0, ledger.ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		return 0, err
	}
	return balance, dbTx.Commit()
}

// Credit increments the balance by amount and records tx, both in one
// database transaction. amount must already be validated as positive.
func (r *PostgresRepository) Credit(ctx context.Context, userID string, amount int, tx *domain.Transaction) (int, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	var balance int
	err = dbTx.QueryRowContext(ctx, `
		UPDATE users SET credits = credits + $2
		WHERE id = $1
		RETURNING credits`, userID, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, userrepo.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		return 0, err
	}
	return balance, dbTx.Commit()
}

// Balance returns the user's current credit balance, or user repository ErrNotFound.
func (r *PostgresRepository) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, userrepo.ErrNotFound
	}
	return balance, err
}

// ListTransactions returns the user's credit movements, newest first, up to limit.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, limit int32) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, description, created_at
		FROM credit_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = domain.Kind(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, dbTx *sql.Tx, tx *domain.Transaction) error {
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.ID, tx.UserID, tx.Amount, string(tx.Kind), tx.Description, tx.CreatedAt,
	)
	return err
}
