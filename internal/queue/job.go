// Package queue implements the durable download queue: one row per file
// to fetch, with its own retry/backoff state independent of transport
// retries.
package queue

import "time"

// Status is the lifecycle state of a queue job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status, in reporting order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRetry,
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StateTransition is one edge of the job state machine.
type StateTransition struct {
	From Status
	To   Status
}

// ValidTransitions enumerates the legal edges. retry rows become
// claimable again once next_retry_at elapses; stuck processing rows are
// forced back to pending by ResetStuck.
var ValidTransitions = []StateTransition{
	{From: StatusPending, To: StatusProcessing},
	{From: StatusRetry, To: StatusProcessing},
	{From: StatusProcessing, To: StatusCompleted},
	{From: StatusProcessing, To: StatusRetry},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusProcessing, To: StatusPending},
	{From: StatusRetry, To: StatusPending},
	{From: StatusFailed, To: StatusPending},
}

// IsValidTransition reports whether the edge from → to is legal.
func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Job is one durable download job. FileID is the business key: the
// remote file identifier, unique across the table.
type Job struct {
	ID           int64
	FileID       string
	Status       Status
	Priority     int
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
	ErrorMessage *string
}
