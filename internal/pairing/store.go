package pairing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCodeNotFound means the code never existed or has expired.
	ErrCodeNotFound = errors.New("pairing code not found or expired")
	// ErrCodeConsumed means the code was already validated once.
	ErrCodeConsumed = errors.New("pairing code already used")
)

// Owner is the desktop user a code was generated for.
type Owner struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Code is a backend-held pairing code.
type Code struct {
	Code      string    `json:"code"`
	Owner     Owner     `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Store holds pairing codes. A code validates at most once: after a successful
// Consume every later Consume of the same code returns ErrCodeConsumed or ErrCodeNotFound.
type Store interface {
	// Create generates and stores a fresh code for owner.
	Create(ctx context.Context, owner Owner, ttl time.Duration) (*Code, error)
	// Get returns a pending code without consuming it.
	Get(ctx context.Context, code string) (*Code, error)
	// Consume atomically removes a pending code and returns it.
	Consume(ctx context.Context, code string) (*Code, error)
	// Revoke drops a pending code without marking it used. Unknown, expired
	// and consumed codes are left alone.
	Revoke(ctx context.Context, code string) error
}

// maxCreateAttempts bounds retries on code collisions.
const maxCreateAttempts = 5
