package session

import (
	"context"
	"time"
)

// Store persists session rows. Implementations must keep the
// single-active invariant reachable through DeactivateAll followed by
// Insert; they do not enforce it themselves.
type Store interface {
	// Active returns the most recently created active session, or nil
	// when none exists.
	Active(ctx context.Context) (*Session, error)

	// Insert stores a newly issued token as the active session.
	Insert(ctx context.Context, token string, expiresAt time.Time) (int64, error)

	// TouchLastUsed records that the session was just used.
	TouchLastUsed(ctx context.Context, token string) error

	// Deactivate marks one session inactive.
	Deactivate(ctx context.Context, token string) error

	// DeactivateAll marks every active session inactive.
	DeactivateAll(ctx context.Context) error

	// DeactivateExpired marks active sessions past their expiry
	// inactive and returns how many were affected.
	DeactivateExpired(ctx context.Context) (int64, error)

	// ActiveOlderThan returns tokens of active sessions created more
	// than age ago, oldest first.
	ActiveOlderThan(ctx context.Context, age time.Duration) ([]string, error)
}
