// Package ledger holds each user's integer credit balance and its movement
// history. One credit buys one session's duration budget; the balance never
// goes negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"unnati-cloud-labs/backend/internal/ledger/domain"
)

var (
	// ErrInsufficientCredits is returned by DebitOne when the balance is zero.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount is returned by Credit for non-positive amounts.
	ErrInvalidAmount = errors.New("credit amount must be a positive integer")
)

// Repository is the balance store contract. Implementations must make the
// balance check and decrement of DebitOne atomic per user: two concurrent
// debits for the same user observe a single global ordering.
type Repository interface {
	// DebitOne decrements the user's balance by one and records tx in the
	// same database transaction. Returns ErrInsufficientCredits when the
	// balance is zero; then nothing is recorded.
	DebitOne(ctx context.Context, userID string, tx *domain.Transaction) (newBalance int, err error)
	// Credit increments the user's balance by amount (> 0) and records tx in
	// the same database transaction.
	Credit(ctx context.Context, userID string, amount int, tx *domain.Transaction) (newBalance int, err error)
	// Balance returns the user's current balance.
	Balance(ctx context.Context, userID string) (int, error)
	// ListTransactions returns the user's movements, newest first, up to limit.
	ListTransactions(ctx context.Context, userID string, limit int32) ([]*domain.Transaction, error)
}

// Ledger exposes the debit/credit contract to the orchestrator and the
// credits API. No side effects beyond the balance and its history.
type Ledger struct {
	repo Repository
}

// New returns a Ledger backed by repo.
func New(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// DebitOne charges one credit for the given session.
func (l *Ledger) DebitOne(ctx context.Context, userID, sessionID string) (int, error) {
	tx := newTransaction(userID, -1, domain.KindDebit, fmt.Sprintf("lab session %s", sessionID))
	balance, err := l.repo.DebitOne(ctx, userID, tx)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Refund issues the compensating credit for a debit whose session never
// reached running.
func (l *Ledger) Refund(ctx context.Context, userID, sessionID string) (int, error) {
	tx := newTransaction(userID, 1, domain.KindRefund, fmt.Sprintf("refund for lab session %s", sessionID))
	return l.repo.Credit(ctx, userID, 1, tx)
}

// Purchase adds externally captured credits to the balance.
func (l *Ledger) Purchase(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	tx := newTransaction(userID, amount, domain.KindPurchase, fmt.Sprintf("purchase of %d credits", amount))
	return l.repo.Credit(ctx, userID, amount, tx)
}

// Balance returns the user's current credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.repo.Balance(ctx, userID)
}

// History returns the user's credit movements, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int32) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.repo.ListTransactions(ctx, userID, limit)
}

func newTransaction(userID string, amount int, kind domain.Kind, description string) *domain.Transaction {
	return &domain.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}
