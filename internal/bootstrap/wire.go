// Adapter construction from configuration, shared by the worker and
// admin binaries.

package bootstrap

import (
	"context"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/database/memdb"
	"github.com/JunyuZhan/pis-worker/internal/database/postgres"
	"github.com/JunyuZhan/pis-worker/internal/database/supabase"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/storage/memstore"
	"github.com/JunyuZhan/pis-worker/internal/storage/oss"
	"github.com/JunyuZhan/pis-worker/internal/storage/s3"
)

const (
	pingAttempts = 5
	pingTimeout  = 5 * time.Second
)

// OpenDatabase builds the adapter named by DATABASE_TYPE and verifies
// connectivity with a bounded retry, so a worker racing its database
// container gets a grace window instead of exiting immediately.
func OpenDatabase(ctx context.Context, cfg *config.Config, log *logger.Logger) (database.Adapter, error) {
	var (
		db  database.Adapter
		err error
	)
	switch cfg.DatabaseType {
	case "postgres":
		db, err = postgres.New(ctx, postgres.DefaultConfig(cfg.DatabaseURL()), log)
	case "supabase":
		db, err = supabase.New(supabase.Config{
			BaseURL: cfg.DatabaseRestURL,
			APIKey:  cfg.DatabaseRestKey,
		}, log)
	case "memory":
		db = memdb.New()
	default:
		return nil, apperr.Fatal.New("unknown database type %q", cfg.DatabaseType)
	}
	if err != nil {
		return nil, err
	}

	if err := pingWithRetry(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db database.Adapter, log *logger.Logger) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = db.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == pingAttempts {
			break
		}
		log.WithError(err).Warnf("database ping failed, retrying (%d/%d)", attempt, pingAttempts)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return apperr.Fatal.New("database unreachable: %v", err)
}

// OpenStorage builds the storage adapter named by STORAGE_TYPE.
// Construction is offline for every backend; the first operation
// surfaces connectivity problems.
func OpenStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Adapter, error) {
	switch cfg.StorageType {
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:       cfg.StorageEndpoint(),
			PublicEndpoint: cfg.StoragePublicURL,
			Region:         cfg.StorageRegion,
			Bucket:         cfg.StorageBucket,
			AccessKey:      cfg.StorageAccessKey,
			SecretKey:      cfg.StorageSecretKey,
			ForcePathStyle: true,
			PublicBaseURL:  cfg.CDNPublicBase,
		}, log)
	case "oss":
		return oss.New(oss.Config{
			Endpoint:       cfg.StorageEndpoint(),
			PublicEndpoint: cfg.StoragePublicURL,
			Bucket:         cfg.StorageBucket,
			AccessKey:      cfg.StorageAccessKey,
			SecretKey:      cfg.StorageSecretKey,
			PublicBaseURL:  cfg.CDNPublicBase,
		}, log)
	case "memory":
		return memstore.New(), nil
	default:
		return nil, apperr.Fatal.New("unknown storage type %q", cfg.StorageType)
	}
}
