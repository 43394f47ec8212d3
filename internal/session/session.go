// Package session manages the single shared authentication credential
// used for all remote operations: persistence of the active session row,
// reuse-versus-create decisions, and one-shot recovery from mid-flight
// session expiry.
package session

import "time"

// Session is one row of durable session state. At most one row is
// active at any observable instant.
type Session struct {
	ID         int64
	Token      string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	IsActive   bool
	LastUsedAt time.Time
}

// Expired reports whether the session is past its expiry at the given
// instant. A session without an expiry is treated as expired, since its
// remote lifetime cannot be trusted.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return true
	}
	return !s.ExpiresAt.After(now)
}
