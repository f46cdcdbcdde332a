// Package main is the entry point for the publication worker. One
// process hosts the asynq consumer running the photo pipeline, the HTTP
// control API, the album-scoped FTP ingest server and the recovery
// sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/albumcache"
	"github.com/JunyuZhan/pis-worker/internal/api"
	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/bootstrap"
	"github.com/JunyuZhan/pis-worker/internal/cdn"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/database/postgres"
	"github.com/JunyuZhan/pis-worker/internal/ftp"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/store"
	"github.com/JunyuZhan/pis-worker/internal/worker"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 dependency
// loss at startup or a failed listener.
const (
	exitConfig     = 1
	exitDependency = 2
)

const queueDepthInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "pis-worker",
	})
	log.Info("starting worker")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("worker exited")
		os.Exit(exitDependency)
	}
	log.Info("worker stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	met := metrics.New()

	objects, err := bootstrap.OpenStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer objects.Close()
	if err := bootstrap.EnsureBucket(ctx, objects, log); err != nil {
		return err
	}

	db, err := bootstrap.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.DatabaseMigrate && cfg.DatabaseType == "postgres" {
		if err := postgres.RunMigrations(log, cfg.DatabaseURL()); err != nil {
			return err
		}
	}

	st := store.New(db, log)

	clientCfg := queue.DefaultClientConfig(cfg.RedisURL)
	clientCfg.MaxAttempts = cfg.JobMaxAttempts
	queueClient, err := queue.NewClient(clientCfg, log)
	if err != nil {
		return err
	}
	defer queueClient.Close()
	if err := waitForQueue(ctx, queueClient, log); err != nil {
		return err
	}

	inspector, err := queue.NewInspector(cfg.RedisURL, log)
	if err != nil {
		return err
	}
	defer inspector.Close()

	serverCfg := queue.DefaultServerConfig(cfg.RedisURL, cfg.PhotoConcurrency)
	serverCfg.BackoffBase = cfg.JobBackoffBase
	serverCfg.ShutdownTimeout = cfg.ShutdownGrace
	queueServer, err := queue.NewServer(serverCfg, log)
	if err != nil {
		return err
	}

	albums := albumcache.New(st.AlbumSettings, cfg.AlbumCacheTTL, log, met)
	albums.StartEviction(ctx, cfg.AlbumCacheTTL)

	purger := cdn.New(cdn.Config{
		BaseURL:  cfg.CDNAPIBase,
		ZoneID:   cfg.CDNZoneID,
		APIToken: cfg.CDNAPIToken,
	}, log, met)

	w := worker.New(worker.Deps{
		Config:  cfg,
		Store:   st,
		Storage: objects,
		Albums:  albums,
		Purger:  purger,
		Logger:  log,
		Metrics: met,
	})
	w.Register(queueServer)

	sweeper := worker.NewSweeper(worker.SweeperDeps{
		Config:  cfg,
		Store:   st,
		Storage: objects,
		Queue:   queueClient,
		Logger:  log,
		Metrics: met,
	})
	go sweeper.Start(ctx)

	errCh := make(chan error, 2)

	var ftpServer *ftp.Server
	if cfg.FTPEnabled() {
		ftpServer, err = ftp.New(ftp.Deps{
			Config:  cfg,
			Store:   st,
			Storage: objects,
			Queue:   queueClient,
			Logger:  log,
			Metrics: met,
		})
		if err != nil {
			return err
		}
		// Re-drive uploads stranded by a crash before accepting new ones.
		if _, sweepErr := ftpServer.SweepStaging(ctx); sweepErr != nil {
			log.WithError(sweepErr).Warn("staging sweep failed")
		}
		go func() {
			if serveErr := ftpServer.ListenAndServe(); serveErr != nil {
				errCh <- apperr.Fatal.New("ftp server: %v", serveErr)
			}
		}()
	}

	if err := queueServer.Start(); err != nil {
		return err
	}

	apiServer := api.New(api.Deps{
		Config:    cfg,
		Store:     st,
		Storage:   objects,
		Queue:     queueClient,
		Inspector: inspector,
		Sweeper:   sweeper,
		Logger:    log,
	})
	go func() {
		if serveErr := apiServer.Start(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	go pollQueueDepth(ctx, inspector, met, log)

	met.SetWorkerRunning()
	log.WithFields(map[string]interface{}{
		"concurrency": cfg.PhotoConcurrency,
		"worker_port": cfg.WorkerPort,
		"ftp_enabled": cfg.FTPEnabled(),
		"storage":     cfg.StorageType,
		"database":    cfg.DatabaseType,
	}).Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case runErr = <-errCh:
	}

	met.SetWorkerStopped()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("api shutdown error")
	}
	if ftpServer != nil {
		if err := ftpServer.Stop(); err != nil {
			log.WithError(err).Error("ftp shutdown error")
		}
	}
	// Drains active tasks up to the configured shutdown timeout;
	// leftovers return through the queue's retry machinery.
	queueServer.Shutdown()
	cancel()

	return runErr
}

// waitForQueue verifies the redis connection with a bounded retry.
func waitForQueue(ctx context.Context, client *queue.Client, log *logger.Logger) error {
	const attempts = 5
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = client.Ping(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		log.WithError(err).Warnf("redis ping failed, retrying (%d/%d)", attempt, attempts)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return apperr.Fatal.New("redis unreachable: %v", err)
}

// pollQueueDepth mirrors queue depths into the prometheus gauges.
func pollQueueDepth(ctx context.Context, inspector *queue.Inspector, met *metrics.Metrics, log *logger.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range queue.AllQueues {
				counts, err := inspector.Counts(name)
				if err != nil {
					log.WithError(err).Debug("queue depth poll failed")
					continue
				}
				met.SetQueueDepth(name, "waiting", counts.Waiting)
				met.SetQueueDepth(name, "active", counts.Active)
				met.SetQueueDepth(name, "delayed", counts.Delayed)
				met.SetQueueDepth(name, "failed", counts.Failed)
			}
		}
	}
}
