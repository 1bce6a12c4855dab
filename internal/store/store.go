package store

import (
	"context"
	"errors"

	"github.com/wolfeidau/qbwc-bridge/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// SessionStore owns Web Connector sessions for the lifetime of a sync run.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Create issues a fresh ticket for username in the authenticated state.
	Create(ctx context.Context, username string) (*models.Session, error)

	// Get returns a copy of the session for ticket.
	Get(ctx context.Context, ticket string) (*models.Session, error)

	// Update applies fn to the session atomically. If fn returns an error the
	// session is left unchanged and the error is returned.
	Update(ctx context.Context, ticket string, fn func(*models.Session) error) (*models.Session, error)

	// Delete removes the session. Deleting an unknown ticket is not an error.
	Delete(ctx context.Context, ticket string) error

	// DeleteExpired removes idle sessions and returns how many were removed.
	DeleteExpired(ctx context.Context) (int, error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) int
}
