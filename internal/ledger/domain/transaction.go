package domain

import "time"

// Kind classifies a credit movement.
type Kind string

const (
	// KindDebit is the one-credit charge for starting a session.
	KindDebit Kind = "debit"
	// KindRefund is the compensating credit issued when provisioning fails after a debit.
	KindRefund Kind = "refund"
	// KindPurchase is an externally captured credit purchase.
	KindPurchase Kind = "purchase"
)

// Transaction is one signed movement on a user's credit balance.
// Amount is negative for debits, positive for refunds and purchases.
type Transaction struct {
	ID          string
	UserID      string
	Amount      int
	Kind        Kind
	Description string
	CreatedAt   time.Time
}
