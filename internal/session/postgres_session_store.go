package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store against the api_session_state table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Active(ctx context.Context) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, created_at, expires_at, is_active, last_used_at
		FROM api_session_state
		WHERE is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var sess Session
	var expiresAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Token, &sess.CreatedAt, &expiresAt, &sess.IsActive, &sess.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	if expiresAt.Valid {
		sess.ExpiresAt = &expiresAt.Time
	}
	return &sess, nil
}

func (s *PostgresStore) Insert(ctx context.Context, token string, expiresAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_session_state (session_id, created_at, expires_at, is_active, last_used_at)
		VALUES ($1, now(), $2, TRUE, now())
		RETURNING id
	`, token, expiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_session_state
		SET last_used_at = now()
		WHERE session_id = $1
	`, token)
	return err
}

func (s *PostgresStore) Deactivate(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_session_state
		SET is_active = FALSE
		WHERE session_id = $1
	`, token)
	return err
}

func (s *PostgresStore) DeactivateAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_session_state
		SET is_active = FALSE
		WHERE is_active = TRUE
	`)
	return err
}

func (s *PostgresStore) DeactivateExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_session_state
		SET is_active = FALSE
		WHERE is_active = TRUE
		AND expires_at IS NOT NULL
		AND expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ActiveOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id
		FROM api_session_state
		WHERE is_active = TRUE
		AND created_at < now() - $1::interval
		ORDER BY created_at ASC
	`, fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
