package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"docfetch/internal/config"
	"docfetch/internal/lock"
	"docfetch/internal/session"
)

// staleSessionAge is how old an active session must be before the
// janitor closes it remotely, leaving a margin under the remote
// one-hour expiry.
const staleSessionAge = 50 * time.Minute

// Daemon is the continuous driver: it replays the original cron layout
// in-process, scheduling session upkeep, discovery, and download
// batches. Download runs are serialized across processes with an
// advisory lock.
type Daemon struct {
	orch     *Orchestrator
	sessions *session.Manager
	locks    lock.Manager
	schedule config.ScheduleConfig
	log      zerolog.Logger
}

func NewDaemon(orch *Orchestrator, sessions *session.Manager, locks lock.Manager, schedule config.ScheduleConfig, logger zerolog.Logger) *Daemon {
	return &Daemon{
		orch:     orch,
		sessions: sessions,
		locks:    locks,
		schedule: schedule,
		log:      logger.With().Str("component", "daemon").Logger(),
	}
}

// Run starts the scheduler and blocks until ctx is cancelled, then
// waits for any in-flight run to finish.
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New()

	entries := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{d.schedule.EnsureSession, "ensure_session", d.ensureSession},
		{d.schedule.QueryFiles, "query_files", d.discover},
		{d.schedule.DownloadFiles, "download_files", d.download},
		{d.schedule.CleanupSession, "cleanup_session", d.cleanup},
	}

	for _, entry := range entries {
		entry := entry
		if _, err := c.AddFunc(entry.spec, func() { entry.fn(ctx) }); err != nil {
			return err
		}
		d.log.Info().Str("task", entry.name).Str("spec", entry.spec).Msg("scheduled")
	}

	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	d.log.Info().Msg("daemon stopped")
	return ctx.Err()
}

func (d *Daemon) ensureSession(ctx context.Context) {
	if _, err := d.sessions.GetOrCreate(ctx); err != nil {
		d.log.Error().Err(err).Msg("session upkeep failed")
		return
	}
	if cleaned, err := d.sessions.CleanupExpired(ctx); err != nil {
		d.log.Warn().Err(err).Msg("expired session cleanup failed")
	} else if cleaned > 0 {
		d.log.Info().Int64("count", cleaned).Msg("cleaned up expired sessions")
	}
}

func (d *Daemon) discover(ctx context.Context) {
	if _, _, err := d.orch.DiscoverFiles(ctx); err != nil {
		d.log.Error().Err(err).Msg("discovery failed")
	}
}

func (d *Daemon) download(ctx context.Context) {
	if d.locks != nil {
		if err := d.locks.Acquire(lock.DownloadLock); err != nil {
			d.log.Error().Err(err).Msg("download lock acquire failed")
			return
		}
		defer d.locks.Release(lock.DownloadLock)
	}

	if _, err := d.orch.RunBatch(ctx); err != nil {
		d.log.Error().Err(err).Msg("download batch failed")
	}
}

func (d *Daemon) cleanup(ctx context.Context) {
	cleaned, err := d.sessions.CleanupExpired(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("expired session cleanup failed")
	} else if cleaned > 0 {
		d.log.Info().Int64("count", cleaned).Msg("cleaned up expired sessions")
	}

	tokens, err := d.sessions.StaleTokens(ctx, staleSessionAge)
	if err != nil {
		d.log.Warn().Err(err).Msg("stale session lookup failed")
		return
	}
	for _, token := range tokens {
		if err := d.sessions.Close(ctx, token); err != nil {
			d.log.Warn().Err(err).Msg("stale session close failed")
		}
	}
}
