package queue

import "context"

// Store persists queue jobs and owns every status transition.
type Store interface {
	// Add upserts a job keyed by file id. A completed row is left
	// untouched; any other existing row is reset to pending with
	// attempts and timestamps cleared and priority refreshed.
	Add(ctx context.Context, fileID string, priority int) error

	// AddBatch adds many file ids at the same priority. Individual
	// failures are logged and skipped; the count of successful upserts
	// is returned.
	AddBatch(ctx context.Context, fileIDs []string, priority int) int

	// NextBatch returns up to limit jobs whose status is in the given
	// set and whose next_retry_at is null or elapsed, ordered by
	// priority descending, then created_at ascending, then id
	// ascending.
	NextBatch(ctx context.Context, limit int, statuses []Status) ([]Job, error)

	// MarkProcessing transitions a job to processing and records its
	// start time.
	MarkProcessing(ctx context.Context, id int64) error

	// MarkCompleted transitions a job to its terminal completed state
	// and clears any error.
	MarkCompleted(ctx context.Context, id int64) error

	// MarkFailed increments attempts and either schedules a retry
	// (allowRetry and attempts below the maximum) with an exponential
	// minute-scale backoff, or terminally fails the job.
	MarkFailed(ctx context.Context, id int64, errMsg string, allowRetry bool) error

	// ResetStuck forces jobs stuck in processing beyond the stuck
	// timeout back to pending and returns how many were reset.
	ResetStuck(ctx context.Context) (int64, error)

	// Stats returns the number of jobs per status.
	Stats(ctx context.Context) (map[Status]int, error)
}
