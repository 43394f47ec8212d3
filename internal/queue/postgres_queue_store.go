package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// stuckTimeoutMinutes is how long a job may sit in processing before
// ResetStuck reclaims it for a crashed or killed worker.
const stuckTimeoutMinutes = 30

// maxErrorLength bounds the persisted error message.
const maxErrorLength = 65535

// PostgresStore implements Store against the download_queue table.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "queue").Logger(),
	}
}

func (s *PostgresStore) Add(ctx context.Context, fileID string, priority int) error {
	// Completed rows are terminal: the conflict update is filtered so a
	// finished job is never reopened.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_queue (file_id, status, priority, created_at)
		VALUES ($1, 'pending', $2, now())
		ON CONFLICT (file_id) DO UPDATE SET
			status        = 'pending',
			priority      = EXCLUDED.priority,
			created_at    = now(),
			attempts      = 0,
			error_message = NULL,
			started_at    = NULL,
			completed_at  = NULL,
			next_retry_at = NULL
		WHERE download_queue.status <> 'completed'
	`, fileID, priority)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", fileID, err)
	}
	return nil
}

func (s *PostgresStore) AddBatch(ctx context.Context, fileIDs []string, priority int) int {
	added := 0
	for _, fileID := range fileIDs {
		if err := s.Add(ctx, fileID, priority); err != nil {
			s.log.Error().Err(err).Str("file_id", fileID).Msg("failed to enqueue file")
			continue
		}
		added++
	}
	return added
}

func (s *PostgresStore) NextBatch(ctx context.Context, limit int, statuses []Status) ([]Job, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusPending}
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(status))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT queue_id, file_id, status, priority, attempts, max_attempts,
		       created_at, started_at, completed_at, next_retry_at, error_message
		FROM download_queue
		WHERE status IN (%s)
		AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY priority DESC, created_at ASC, queue_id ASC
		LIMIT $%d
	`, strings.Join(placeholders, ", "), len(statuses)+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch next batch: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'processing', started_at = now()
		WHERE queue_id = $1
	`, id)
	return err
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'completed', completed_at = now(), error_message = NULL
		WHERE queue_id = $1
	`, id)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string, allowRetry bool) error {
	var attempts, maxAttempts int
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, max_attempts FROM download_queue WHERE queue_id = $1
	`, id).Scan(&attempts, &maxAttempts)
	if err != nil {
		return fmt.Errorf("mark failed, read attempts for job %d: %w", id, err)
	}

	attempts++
	if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}

	if allowRetry && attempts < maxAttempts {
		// Minute-scale exponential backoff: 2^attempts minutes.
		backoffMinutes := 1 << attempts
		_, err = s.db.ExecContext(ctx, `
			UPDATE download_queue
			SET status = 'retry',
			    attempts = $2,
			    error_message = $3,
			    next_retry_at = now() + make_interval(mins => $4)
			WHERE queue_id = $1
		`, id, attempts, errMsg, backoffMinutes)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'failed',
		    attempts = $2,
		    error_message = $3,
		    completed_at = now()
		WHERE queue_id = $1
	`, id, attempts, errMsg)
	return err
}

func (s *PostgresStore) ResetStuck(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_queue
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing'
		AND started_at < now() - make_interval(mins => $1)
	`, stuckTimeoutMinutes)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM download_queue
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[Status]int, len(AllStatuses))
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range AllStatuses {
		if _, ok := stats[status]; !ok {
			stats[status] = 0
		}
	}
	return stats, nil
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var job Job
	var startedAt, completedAt, nextRetryAt sql.NullTime
	var errMsg sql.NullString

	if err := rows.Scan(
		&job.ID,
		&job.FileID,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&nextRetryAt,
		&errMsg,
	); err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if nextRetryAt.Valid {
		job.NextRetryAt = &nextRetryAt.Time
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return &job, nil
}
