// Package pipeline drives the retrieval loop: claim a batch of queue
// jobs, fetch each file through the session coordinator, validate,
// store, and record the outcome on the job row.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"docfetch/internal/apiclient"
	"docfetch/internal/config"
	"docfetch/internal/document"
	"docfetch/internal/queue"
	"docfetch/internal/resource"
	"docfetch/internal/session"
)

// DefaultPriority is assigned to jobs enqueued by discovery.
const DefaultPriority = 5

// Orchestrator owns one synchronous pipeline invocation. Jobs in a
// batch are processed strictly sequentially.
type Orchestrator struct {
	sessions *session.Manager
	queue    queue.Store
	docs     document.Store
	probe    resource.Probe
	cfg      config.ProcessingConfig
	log      zerolog.Logger
	sleep    func(time.Duration)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the delay function. Used by tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func New(sessions *session.Manager, queueStore queue.Store, docs document.Store, probe resource.Probe, cfg config.ProcessingConfig, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		queue:    queueStore,
		docs:     docs,
		probe:    probe,
		cfg:      cfg,
		log:      logger.With().Str("component", "pipeline").Logger(),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BatchSummary reports the outcome of one RunBatch invocation.
type BatchSummary struct {
	Claimed   int
	Succeeded int
	Failed    int
	ResetJobs int64
	Stats     map[queue.Status]int
}

// RunBatch executes one pipeline invocation: obtain a usable session
// (fatal if impossible), reclaim stuck jobs, claim a bounded batch, and
// process each job. Per-job failures are recorded on the job row and
// never abort the batch.
func (o *Orchestrator) RunBatch(ctx context.Context) (*BatchSummary, error) {
	if _, err := o.sessions.GetOrCreate(ctx); err != nil {
		return nil, fmt.Errorf("cannot obtain api session: %w", err)
	}

	summary := &BatchSummary{}

	reset, err := o.queue.ResetStuck(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset stuck items: %w", err)
	}
	summary.ResetJobs = reset
	if reset > 0 {
		o.log.Info().Int64("count", reset).Msg("reset stuck processing jobs")
	}

	statuses := []queue.Status{queue.StatusPending}
	if o.cfg.IncludeRetry {
		statuses = append(statuses, queue.StatusRetry)
	}

	jobs, err := o.queue.NextBatch(ctx, o.cfg.BatchSize, statuses)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	summary.Claimed = len(jobs)

	if len(jobs) == 0 {
		o.log.Info().Msg("no files in queue to process")
		summary.Stats, _ = o.queue.Stats(ctx)
		return summary, nil
	}

	o.log.Info().Int("count", len(jobs)).Msg("processing batch")

	for i, job := range jobs {
		if o.processJob(ctx, i, len(jobs), job) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	stats, err := o.queue.Stats(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to read queue stats")
	} else {
		summary.Stats = stats
	}

	o.log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("download batch completed")
	return summary, nil
}

// processJob attempts one job with a local retry budget. Transport
// retries happen inside a single attempt; this loop covers every
// failure category including storage errors.
func (o *Orchestrator) processJob(ctx context.Context, index, total int, job queue.Job) bool {
	jobLog := o.log.With().Str("file_id", job.FileID).Int64("queue_id", job.ID).Logger()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.LocalMaxAttempts; attempt++ {
		if attempt == 1 {
			if err := o.queue.MarkProcessing(ctx, job.ID); err != nil {
				jobLog.Error().Err(err).Msg("failed to mark job processing")
				return false
			}
			o.maybePause(index)
		} else {
			jobLog.Info().
				Int("attempt", attempt).
				Int("max_attempts", o.cfg.LocalMaxAttempts).
				AnErr("previous_error", lastErr).
				Msg("retrying job")
		}

		content, err := o.fetchFile(ctx, job)
		if err == nil {
			err = o.validateAndStore(ctx, job, content, jobLog)
			if err == nil {
				if err := o.queue.MarkCompleted(ctx, job.ID); err != nil {
					jobLog.Error().Err(err).Msg("failed to mark job completed")
					return false
				}
				if o.cfg.FileDelay > 0 && index < total-1 {
					o.sleep(o.cfg.FileDelay)
				}
				return true
			}
		}

		var vErr *document.ValidationError
		if errors.As(err, &vErr) {
			// Wrong content is permanently rejected, never retried.
			o.markFailedPermanently(ctx, job.ID, err, jobLog)
			return false
		}

		lastErr = err
		if attempt < o.cfg.LocalMaxAttempts {
			// Linear backoff: attempt number in seconds.
			o.sleep(time.Duration(attempt) * time.Second)
			continue
		}

		jobLog.Error().Err(lastErr).Int("attempts", attempt).Msg("job failed, attempts exhausted")
		o.markFailedPermanently(ctx, job.ID, lastErr, jobLog)
		return false
	}
	return false
}

func (o *Orchestrator) fetchFile(ctx context.Context, job queue.Job) ([]byte, error) {
	var content []byte
	err := o.sessions.ExecuteWithContext(ctx, map[string]string{
		"operation": "request_file",
		"file_id":   job.FileID,
		"queue_id":  fmt.Sprintf("%d", job.ID),
	}, func(c *apiclient.Client) error {
		resp, err := c.RequestFile(ctx, job.FileID)
		if err != nil {
			return err
		}
		content = resp.Content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (o *Orchestrator) validateAndStore(ctx context.Context, job queue.Job, content []byte, jobLog zerolog.Logger) error {
	if err := document.Validate(content, o.cfg.StrictContentCheck); err != nil {
		return err
	}

	info := document.ParseFilename(job.FileID)
	docType := document.NormalizeDocumentType(info.DocumentType)

	isDuplicate, err := o.docs.Exists(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("duplicate lookup: %w", err)
	}

	docID, err := o.docs.Insert(ctx, document.NewDocument{
		Filename:     job.FileID,
		LoanNumber:   info.LoanNumber,
		DocumentType: docType,
		Content:      content,
	})
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}

	jobLog.Info().
		Int64("doc_id", docID).
		Str("loan", info.LoanNumber).
		Str("type", docType).
		Str("size", document.FormatBytes(int64(len(content)))).
		Bool("duplicate", isDuplicate).
		Msg("downloaded document")
	return nil
}

func (o *Orchestrator) markFailedPermanently(ctx context.Context, id int64, cause error, jobLog zerolog.Logger) {
	if err := o.queue.MarkFailed(ctx, id, cause.Error(), false); err != nil {
		jobLog.Error().Err(err).Msg("failed to mark job failed")
	}
}

// maybePause consults the resource probe every ResourceInterval jobs
// and sleeps cooperatively when the host is overloaded.
func (o *Orchestrator) maybePause(index int) {
	if o.probe == nil || o.cfg.ResourceInterval <= 0 {
		return
	}
	if index == 0 || (index+1)%o.cfg.ResourceInterval != 0 {
		return
	}

	status := o.probe.Check()
	if !status.ShouldPause {
		return
	}
	o.log.Info().
		Strs("reasons", status.Reasons).
		Dur("pause", o.cfg.PauseDuration).
		Msg("pausing for resource pressure")
	o.sleep(o.cfg.PauseDuration)
}

// DiscoverFiles queries the remote file list and enqueues every entry
// at the default priority. Already-completed files stay untouched.
func (o *Orchestrator) DiscoverFiles(ctx context.Context) (found, added int, err error) {
	if _, err := o.sessions.GetOrCreate(ctx); err != nil {
		return 0, 0, fmt.Errorf("cannot obtain api session: %w", err)
	}

	var files []string
	err = o.sessions.ExecuteWithContext(ctx, map[string]string{
		"operation": "query_files",
	}, func(c *apiclient.Client) error {
		resp, err := c.QueryFiles(ctx)
		if err != nil {
			return err
		}
		files = resp.Files
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("query files: %w", err)
	}

	added = o.queue.AddBatch(ctx, files, DefaultPriority)
	o.log.Info().Int("found", len(files)).Int("enqueued", added).Msg("discovery completed")
	return len(files), added, nil
}
