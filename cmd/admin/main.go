// Package main is the one-shot admin CLI for the publication worker:
// schema migrations, admin account seeding, bucket provisioning and
// queue maintenance. Configuration comes from the same environment the
// worker reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/bootstrap"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/database/postgres"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/store"
	"github.com/JunyuZhan/pis-worker/internal/worker"
)

// actor recorded on audit entries written by this CLI.
const actor = "admin"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" || command == "-h" || command == "--help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  "text",
		Service: "pis-admin",
	})

	switch command {
	case "seed-admin":
		fs := flag.NewFlagSet("seed-admin", flag.ExitOnError)
		email := fs.String("email", "", "admin email (required)")
		password := fs.String("password", "", "password to set; empty leaves the account locked")
		rotate := fs.Bool("rotate", false, "replace the password of an existing admin")
		parse(fs)
		err = runSeedAdmin(cfg, log, *email, *password, *rotate)

	case "ensure-bucket":
		err = runEnsureBucket(cfg, log)

	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		down := fs.Int("down", 0, "roll back N migrations instead of applying")
		parse(fs)
		err = runMigrate(cfg, log, *down)

	case "requeue-stale":
		fs := flag.NewFlagSet("requeue-stale", flag.ExitOnError)
		horizon := fs.Duration("horizon", cfg.RecoveryHorizon, "age after which processing rows count as stale")
		parse(fs)
		err = runRequeueStale(cfg, log, *horizon)

	case "stats":
		err = runStats(cfg, log)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func parse(fs *flag.FlagSet) {
	// ExitOnError makes a parse failure terminate the process.
	_ = fs.Parse(os.Args[2:])
}

func printUsage() {
	fmt.Println(`pis-admin - publication worker maintenance CLI

Usage:
  pis-admin <command> [options]

Commands:
  seed-admin     Create or repair the bootstrap admin account
    -email        Admin email (required)
    -password     Password to set; empty creates a locked account
    -rotate       Replace the password of an existing admin

  ensure-bucket  Create the storage bucket if it does not exist

  migrate        Apply pending schema migrations (postgres backend)
    -down N       Roll back N migrations instead of applying

  requeue-stale  Return crashed processing jobs to the queue
    -horizon      Age after which processing rows count as stale
                  (default: PROCESSING_RECOVERY_HORIZON_MS)

  stats          Show queue and photo status counts

  help           Show this help message

Configuration comes from the environment (or a local .env); see the
worker deployment for the variable reference.

Examples:
  pis-admin seed-admin -email studio@example.com -password s3cret
  pis-admin migrate
  pis-admin requeue-stale -horizon 30m
  pis-admin stats`)
}

func runSeedAdmin(cfg *config.Config, log *logger.Logger, email, password string, rotate bool) error {
	if email == "" {
		return apperr.Validation.New("seed-admin: -email is required")
	}

	ctx := context.Background()
	db, err := bootstrap.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := bootstrap.SeedAdmin(ctx, store.New(db, log), log, email, password, rotate)
	if err != nil {
		return err
	}

	switch {
	case result.Created && password == "":
		fmt.Printf("admin %s created (%s); no password set, account stays locked\n", result.Email, result.UserID)
	case result.Created:
		fmt.Printf("admin %s created (%s)\n", result.Email, result.UserID)
	case result.Changed():
		fmt.Printf("admin %s updated (revived=%t rotated=%t)\n", result.Email, result.Revived, result.Rotated)
	default:
		fmt.Printf("admin %s already present, nothing to do\n", result.Email)
	}
	return nil
}

func runEnsureBucket(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()
	objects, err := bootstrap.OpenStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer objects.Close()

	if err := bootstrap.EnsureBucket(ctx, objects, log); err != nil {
		return err
	}
	fmt.Printf("bucket %s ready\n", cfg.StorageBucket)

	// The audit trail is best effort here; bucket provisioning must
	// work before the database does.
	if db, dbErr := bootstrap.OpenDatabase(ctx, cfg, log); dbErr == nil {
		defer db.Close()
		st := store.New(db, log)
		if auditErr := st.RecordAudit(ctx, actor, store.ActionBucketEnsured, store.TargetBucket, cfg.StorageBucket, nil); auditErr != nil {
			log.WithError(auditErr).Warn("audit write failed")
		}
	} else {
		log.WithError(dbErr).Warn("database unreachable, skipping audit entry")
	}
	return nil
}

func runMigrate(cfg *config.Config, log *logger.Logger, down int) error {
	if cfg.DatabaseType != "postgres" {
		return apperr.Unsupported.New("migrate: DATABASE_TYPE=%s has no managed schema", cfg.DatabaseType)
	}

	direction := "up"
	if down > 0 {
		direction = "down"
		if err := postgres.MigrateDown(log, cfg.DatabaseURL(), down); err != nil {
			return err
		}
	} else {
		if err := postgres.RunMigrations(log, cfg.DatabaseURL()); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if db, dbErr := bootstrap.OpenDatabase(ctx, cfg, log); dbErr == nil {
		defer db.Close()
		st := store.New(db, log)
		if auditErr := st.RecordAudit(ctx, actor, store.ActionMigrationsApplied, store.TargetSystem, "schema", map[string]any{
			"direction": direction,
			"steps":     down,
		}); auditErr != nil {
			log.WithError(auditErr).Warn("audit write failed")
		}
	} else {
		log.WithError(dbErr).Warn("database unreachable, skipping audit entry")
	}
	return nil
}

func runRequeueStale(cfg *config.Config, log *logger.Logger, horizon time.Duration) error {
	sweepCfg := *cfg
	sweepCfg.RecoveryHorizon = horizon

	ctx := context.Background()
	db, err := bootstrap.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()
	st := store.New(db, log)

	objects, err := bootstrap.OpenStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer objects.Close()

	clientCfg := queue.DefaultClientConfig(cfg.RedisURL)
	clientCfg.MaxAttempts = cfg.JobMaxAttempts
	queueClient, err := queue.NewClient(clientCfg, log)
	if err != nil {
		return err
	}
	defer queueClient.Close()

	sweeper := worker.NewSweeper(worker.SweeperDeps{
		Config:  &sweepCfg,
		Store:   st,
		Storage: objects,
		Queue:   queueClient,
		Logger:  log,
		Metrics: metrics.New(),
	})
	stats := sweeper.Run(ctx)
	fmt.Printf("requeued %d stale, rechecked %d completed, %d missing derivatives\n",
		stats.Stale, stats.Rechecked, stats.Missing)

	if auditErr := st.RecordAudit(ctx, actor, store.ActionStaleRequeued, store.TargetSystem, "recovery", map[string]any{
		"horizon":   horizon.String(),
		"stale":     stats.Stale,
		"rechecked": stats.Rechecked,
		"missing":   stats.Missing,
	}); auditErr != nil {
		log.WithError(auditErr).Warn("audit write failed")
	}
	return nil
}

func runStats(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	inspector, err := queue.NewInspector(cfg.RedisURL, log)
	if err != nil {
		return err
	}
	defer inspector.Close()

	queueStats, err := inspector.Stats()
	if err != nil {
		return err
	}

	db, err := bootstrap.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	photoCounts, err := store.New(db, log).PhotoStatusCounts(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED\tCOMPLETED\tPAUSED")
	for _, qs := range queueStats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
			qs.Queue, qs.Pending, qs.Active, qs.Scheduled, qs.Retry, qs.Archived, qs.Completed, qs.Paused)
	}
	w.Flush()

	fmt.Println()
	fmt.Println("PHOTOS")
	for _, status := range []string{"pending", "processing", "completed", "failed"} {
		fmt.Printf("  %-12s %d\n", status, photoCounts[status])
	}
	return nil
}
