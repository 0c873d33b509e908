// Package repository persists user accounts.
package repository

import (
	"context"
	"errors"

	"unnati-cloud-labs/backend/internal/user/domain"
)

// ErrNotFound is returned when a user ID or email does not exist.
var ErrNotFound = errors.New("user not found")

// Repository is the user store contract.
type Repository interface {
	// GetByID returns the user or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByEmail returns the user or ErrNotFound.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create persists the user. The user must have ID set.
	Create(ctx context.Context, u *domain.User) error
}
