// Command docfetch drives the document retrieval pipeline. Each
// subcommand corresponds to one scheduled task of the original
// deployment; run starts all of them on an in-process scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"docfetch/internal/apiclient"
	"docfetch/internal/audit"
	"docfetch/internal/config"
	"docfetch/internal/db"
	"docfetch/internal/document"
	"docfetch/internal/lock"
	"docfetch/internal/pipeline"
	"docfetch/internal/queue"
	"docfetch/internal/resource"
	"docfetch/internal/session"
)

const usage = `usage: docfetch [-config path] <command>

commands:
  migrate            run schema migrations
  create-session     ensure an active api session exists
  query-files        discover available files and enqueue them
  download           process one batch from the download queue
  close-session      deactivate expired sessions and close stale ones
  stats              print per-status queue counts
  request-loans      print every loan id known to the remote system
  request-documents  print every document name known to the remote system
  run                start the continuous scheduler
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	migrationsDir := flag.String("migrations", "migrations", "path to the schema migration scripts")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docfetch: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, cfg, *migrationsDir, logger); err != nil {
		logger.Error().Err(err).Str("command", command).Msg("command failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, cfg *config.Config, migrationsDir string, logger zerolog.Logger) error {
	conn, err := db.Open(cfg.Database.ConnectionURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	locks := lock.NewPostgresManager(conn)

	if command == "migrate" {
		return db.Migrate(conn, migrationsDir, locks)
	}

	recorder := audit.NewLogger(conn, map[string]string{"job": command}, logger)
	client := apiclient.New(cfg.API, recorder, logger)
	sessions := session.NewManager(session.NewPostgresStore(conn), client, locks, map[string]string{"job": command}, logger)
	queueStore := queue.NewPostgresStore(conn, logger)
	docStore := document.NewPostgresStore(conn)
	probe := resource.NewMonitor(cfg.Resources, logger)
	orch := pipeline.New(sessions, queueStore, docStore, probe, cfg.Processing, logger)

	switch command {
	case "create-session":
		token, err := sessions.GetOrCreate(ctx)
		if err != nil {
			return err
		}
		if cleaned, err := sessions.CleanupExpired(ctx); err == nil && cleaned > 0 {
			logger.Info().Int64("count", cleaned).Msg("cleaned up expired sessions")
		}
		fmt.Printf("session created/verified: %s\n", token)
		return nil

	case "query-files":
		found, added, err := orch.DiscoverFiles(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("query completed: %d files found, %d added to queue\n", found, added)
		return printStats(ctx, queueStore)

	case "download":
		summary, err := orch.RunBatch(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d file(s) - success: %d, errors: %d\n",
			summary.Claimed, summary.Succeeded, summary.Failed)
		return printStats(ctx, queueStore)

	case "close-session":
		cleaned, err := sessions.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		tokens, err := sessions.StaleTokens(ctx, 50*time.Minute)
		if err != nil {
			return err
		}
		closed := 0
		for _, token := range tokens {
			if err := sessions.Close(ctx, token); err == nil {
				closed++
			}
		}
		fmt.Printf("cleanup completed - expired: %d, closed: %d\n", cleaned, closed)
		return nil

	case "stats":
		return printStats(ctx, queueStore)

	case "request-loans":
		if _, err := sessions.GetOrCreate(ctx); err != nil {
			return err
		}
		return sessions.ExecuteWithContext(ctx, map[string]string{"operation": "request_all_loans"},
			func(c *apiclient.Client) error {
				resp, err := c.RequestAllLoans(ctx)
				if err != nil {
					return err
				}
				for _, id := range resp.LoanIDs {
					fmt.Println(id)
				}
				fmt.Printf("total: %d loan id(s)\n", len(resp.LoanIDs))
				return nil
			})

	case "request-documents":
		if _, err := sessions.GetOrCreate(ctx); err != nil {
			return err
		}
		return sessions.ExecuteWithContext(ctx, map[string]string{"operation": "request_all_documents"},
			func(c *apiclient.Client) error {
				resp, err := c.RequestAllDocuments(ctx)
				if err != nil {
					return err
				}
				for _, name := range resp.Documents {
					fmt.Println(name)
				}
				fmt.Printf("total: %d document(s)\n", len(resp.Documents))
				return nil
			})

	case "run":
		daemon := pipeline.NewDaemon(orch, sessions, locks, cfg.Schedule, logger)
		err := daemon.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printStats(ctx context.Context, store queue.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queue status: pending: %d, processing: %d, completed: %d, failed: %d, retry: %d\n",
		stats[queue.StatusPending],
		stats[queue.StatusProcessing],
		stats[queue.StatusCompleted],
		stats[queue.StatusFailed],
		stats[queue.StatusRetry])
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}
