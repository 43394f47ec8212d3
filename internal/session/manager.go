package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"docfetch/internal/apiclient"
	"docfetch/internal/lock"
)

// TTL is the local lifetime given to a freshly issued token: the remote
// side expires sessions after roughly an hour, so 55 minutes leaves a
// safety margin.
const TTL = 55 * time.Minute

// Manager is the session coordinator. It owns the current session
// record, decides reuse versus create versus refresh, and wraps
// operations with one-shot recovery from session expiry.
type Manager struct {
	store    Store
	client   *apiclient.Client
	locks    lock.Manager
	defaults map[string]string
	log      zerolog.Logger
	now      func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a session coordinator. locks may be nil, in which
// case session creation runs unguarded and the deployment must ensure a
// single concurrent runner. defaults is merged under every operation's
// audit context.
func NewManager(store Store, client *apiclient.Client, locks lock.Manager, defaults map[string]string, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		client:   client,
		locks:    locks,
		defaults: defaults,
		log:      logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns a usable session token: an unexpired active row is
// reused and touched; an expired one is deactivated and replaced; absent
// rows trigger creation. The token is installed on the transport client.
func (m *Manager) GetOrCreate(ctx context.Context) (string, error) {
	active, err := m.store.Active(ctx)
	if err != nil {
		return "", err
	}

	if active != nil {
		if !active.Expired(m.now()) {
			if err := m.store.TouchLastUsed(ctx, active.Token); err != nil {
				m.log.Warn().Err(err).Msg("failed to touch session last_used_at")
			}
			m.client.SetSessionID(active.Token)
			m.log.Debug().Int64("session_row", active.ID).Msg("reusing active session")
			return active.Token, nil
		}

		m.log.Info().Int64("session_row", active.ID).Msg("active session expired, replacing")
		if err := m.store.Deactivate(ctx, active.Token); err != nil {
			return "", fmt.Errorf("deactivate expired session: %w", err)
		}
	}

	return m.Create(ctx)
}

// Create obtains a fresh session: all active rows are deactivated, the
// transport client requests a new token, and the token is stored with a
// 55-minute expiry. When a lock manager is present the whole sequence is
// guarded by an advisory lock so concurrent invocations cannot each
// leave a remote session live.
func (m *Manager) Create(ctx context.Context) (string, error) {
	if m.locks != nil {
		if err := m.locks.Acquire(lock.SessionLock); err != nil {
			return "", err
		}
		defer m.locks.Release(lock.SessionLock)
	}

	if err := m.store.DeactivateAll(ctx); err != nil {
		return "", fmt.Errorf("deactivate sessions before create: %w", err)
	}

	m.client.SetRequestContext(m.buildContext(map[string]string{"operation": "create_session"}))
	resp, err := m.client.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	expiresAt := m.now().Add(TTL)
	if _, err := m.store.Insert(ctx, resp.SessionID, expiresAt); err != nil {
		return "", err
	}

	m.client.SetSessionID(resp.SessionID)
	m.log.Info().Time("expires_at", expiresAt).Msg("created new session")
	return resp.SessionID, nil
}

// Refresh discards all local session state and creates a new session.
// The previously active remote session is not closed here; see the
// operational notes in DESIGN.md.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	if err := m.store.DeactivateAll(ctx); err != nil {
		return "", fmt.Errorf("deactivate sessions before refresh: %w", err)
	}
	return m.Create(ctx)
}

// ExecuteWithContext attaches audit context and runs op against the
// transport client. If op fails with a session-expired signal, the
// session is refreshed exactly once and op is retried exactly once; a
// second expiry propagates to the caller.
func (m *Manager) ExecuteWithContext(ctx context.Context, opCtx map[string]string, op func(*apiclient.Client) error) error {
	m.client.SetRequestContext(m.buildContext(opCtx))
	err := op(m.client)
	if err == nil || !apiclient.IsSessionExpired(err) {
		return err
	}

	m.log.Warn().Err(err).Msg("session expired mid-operation, refreshing once")
	if _, rerr := m.Refresh(ctx); rerr != nil {
		return fmt.Errorf("session refresh after expiry: %w", rerr)
	}

	// The transport client clears its context after every call.
	m.client.SetRequestContext(m.buildContext(opCtx))
	return op(m.client)
}

// Close closes a session on the remote side, best effort: the local row
// is deactivated unconditionally so local state never retains a session
// the remote side may already have dropped. An empty token closes the
// currently active session.
func (m *Manager) Close(ctx context.Context, token string) error {
	if token == "" {
		active, err := m.store.Active(ctx)
		if err != nil {
			return err
		}
		if active == nil {
			return nil
		}
		token = active.Token
	}

	m.client.SetRequestContext(m.buildContext(map[string]string{
		"operation":         "close_session",
		"target_session_id": token,
	}))
	m.client.SetSessionID(token)
	closeErr := m.client.CloseSession(ctx)

	if err := m.store.Deactivate(ctx, token); err != nil {
		m.log.Warn().Err(err).Msg("failed to deactivate session row")
	}

	if closeErr != nil {
		m.log.Warn().Err(closeErr).Msg("remote session close failed, local row deactivated anyway")
	}
	return closeErr
}

// CleanupExpired deactivates every active row past its expiry. The
// operation is idempotent.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.store.DeactivateExpired(ctx)
}

// StaleTokens returns tokens of active sessions older than age, for the
// janitor's best-effort remote close pass.
func (m *Manager) StaleTokens(ctx context.Context, age time.Duration) ([]string, error) {
	return m.store.ActiveOlderThan(ctx, age)
}

func (m *Manager) buildContext(opCtx map[string]string) map[string]string {
	if len(m.defaults) == 0 {
		return opCtx
	}
	merged := make(map[string]string, len(m.defaults)+len(opCtx))
	for k, v := range m.defaults {
		merged[k] = v
	}
	for k, v := range opCtx {
		merged[k] = v
	}
	return merged
}
