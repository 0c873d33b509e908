package domain

import "time"

// User is an account as this core sees it: identity plus a prepaid credit
// balance. Creation happens at signup (external identity flow); only the
// ledger mutates Credits.
type User struct {
	ID        string
	Email     string
	Name      string
	Credits   int
	CreatedAt time.Time
}
