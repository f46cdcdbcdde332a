// Package config loads worker configuration from environment variables.
// Load must run early in main, before any adapter is constructed, so that
// backend selection and credentials are fixed for the life of the process.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the worker and admin binaries.
type Config struct {
	// Database
	DatabaseType     string // postgres | supabase | memory
	DatabaseHost     string
	DatabasePort     int
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseSSL      bool
	DatabaseRestURL  string // supabase adapter
	DatabaseRestKey  string
	DatabaseMigrate  bool

	// Redis (job queue)
	RedisURL string

	// Storage
	StorageType         string // s3 | oss | memory
	StorageEndpointHost string
	StorageEndpointPort int
	StorageUseSSL       bool
	StoragePublicURL    string
	StorageAccessKey    string
	StorageSecretKey    string
	StorageBucket       string
	StorageRegion       string

	// Processing
	PhotoConcurrency int
	JobMaxAttempts   int
	JobBackoffBase   time.Duration
	RecoveryHorizon  time.Duration
	SweepInterval    time.Duration
	AlbumCacheTTL    time.Duration
	ThumbMaxPx       int
	PreviewMaxPx     int
	ThumbQuality     int
	PreviewQuality   int

	// FTP ingest
	FTPPort      int
	FTPPasvURL   string
	FTPPasvStart int
	FTPPasvEnd   int
	FTPRootDir   string

	// Control API
	WorkerPort    int
	WorkerAPIKey  string
	PresignMaxTTL time.Duration

	// CDN purge
	CDNAPIBase    string
	CDNZoneID     string
	CDNAPIToken   string
	CDNPublicBase string

	// Lifecycle
	ShutdownGrace time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the environment (plus a local .env when present) and validates
// the result. A non-nil error means the process must exit with code 1.
func Load() (*Config, error) {
	// Ignore a missing .env; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseType:     getEnv("DATABASE_TYPE", "postgres"),
		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getIntEnv("DATABASE_PORT", 5432),
		DatabaseName:     getEnv("DATABASE_NAME", "pis"),
		DatabaseUser:     getEnv("DATABASE_USER", "pis"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", ""),
		DatabaseSSL:      getBoolEnv("DATABASE_SSL", false),
		DatabaseRestURL:  getEnv("DATABASE_REST_URL", ""),
		DatabaseRestKey:  getEnv("DATABASE_REST_KEY", ""),
		DatabaseMigrate:  getBoolEnv("DATABASE_MIGRATE", false),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		StorageType:         getEnv("STORAGE_TYPE", "s3"),
		StorageEndpointHost: getEnv("STORAGE_ENDPOINT_HOST", "localhost"),
		StorageEndpointPort: getIntEnv("STORAGE_ENDPOINT_PORT", 9000),
		StorageUseSSL:       getBoolEnv("STORAGE_USE_SSL", false),
		StoragePublicURL:    getEnv("STORAGE_PUBLIC_URL", ""),
		StorageAccessKey:    getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:    getEnv("STORAGE_SECRET_KEY", ""),
		StorageBucket:       getEnv("STORAGE_BUCKET", "photos"),
		StorageRegion:       getEnv("STORAGE_REGION", "us-east-1"),

		PhotoConcurrency: getIntEnv("PHOTO_CONCURRENCY", 4),
		JobMaxAttempts:   getIntEnv("JOB_MAX_ATTEMPTS", 5),
		JobBackoffBase:   getMillisEnv("JOB_BACKOFF_BASE_MS", 1000),
		RecoveryHorizon:  getMillisEnv("PROCESSING_RECOVERY_HORIZON_MS", 15*60*1000),
		SweepInterval:    getMillisEnv("PROCESSING_SWEEP_INTERVAL_MS", 5*60*1000),
		AlbumCacheTTL:    getMillisEnv("ALBUM_CACHE_TTL_MS", 60*1000),
		ThumbMaxPx:       getIntEnv("THUMB_MAX_PX", 400),
		PreviewMaxPx:     getIntEnv("PREVIEW_MAX_PX", 1600),
		ThumbQuality:     getIntEnv("THUMB_QUALITY", 78),
		PreviewQuality:   getIntEnv("PREVIEW_QUALITY", 85),

		FTPPort:      getIntEnv("FTP_PORT", 2121),
		FTPPasvURL:   getEnv("FTP_PASV_URL", ""),
		FTPPasvStart: getIntEnv("FTP_PASV_START", 50000),
		FTPPasvEnd:   getIntEnv("FTP_PASV_END", 50100),
		FTPRootDir:   getEnv("FTP_ROOT_DIR", "/tmp/pis-staging"),

		WorkerPort:    getIntEnv("WORKER_PORT", 8080),
		WorkerAPIKey:  getEnv("WORKER_API_KEY", ""),
		PresignMaxTTL: time.Duration(getIntEnv("PRESIGN_MAX_TTL_SEC", 300)) * time.Second,

		CDNAPIBase:    getEnv("CDN_API_BASE", "https://api.cloudflare.com/client/v4"),
		CDNZoneID:     getEnv("CDN_ZONE_ID", ""),
		CDNAPIToken:   getEnv("CDN_API_TOKEN", ""),
		CDNPublicBase: getEnv("CDN_PUBLIC_BASE", ""),

		ShutdownGrace: getMillisEnv("SHUTDOWN_GRACE_MS", 30*1000),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseType {
	case "postgres", "memory":
	case "supabase":
		if c.DatabaseRestURL == "" || c.DatabaseRestKey == "" {
			return fmt.Errorf("DATABASE_TYPE=supabase requires DATABASE_REST_URL and DATABASE_REST_KEY")
		}
		if _, err := url.Parse(c.DatabaseRestURL); err != nil {
			return fmt.Errorf("invalid DATABASE_REST_URL: %w", err)
		}
	default:
		return fmt.Errorf("unknown DATABASE_TYPE %q", c.DatabaseType)
	}

	switch c.StorageType {
	case "s3", "oss":
		if c.StorageAccessKey == "" || c.StorageSecretKey == "" {
			return fmt.Errorf("STORAGE_TYPE=%s requires STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY", c.StorageType)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}

	if c.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET must not be empty")
	}
	if c.WorkerAPIKey == "" {
		return fmt.Errorf("WORKER_API_KEY must be set")
	}
	if c.PhotoConcurrency < 1 {
		return fmt.Errorf("PHOTO_CONCURRENCY must be at least 1")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.FTPPort > 0 && c.FTPPasvStart > c.FTPPasvEnd {
		return fmt.Errorf("FTP_PASV_START must not exceed FTP_PASV_END")
	}
	return nil
}

// DatabaseURL assembles the postgres connection string from the discrete
// DATABASE_* variables.
func (c *Config) DatabaseURL() string {
	sslMode := "disable"
	if c.DatabaseSSL {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.DatabaseUser), url.QueryEscape(c.DatabasePassword),
		c.DatabaseHost, c.DatabasePort, c.DatabaseName, sslMode)
}

// StorageEndpoint returns the data-plane endpoint URL.
func (c *Config) StorageEndpoint() string {
	scheme := "http"
	if c.StorageUseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.StorageEndpointHost, c.StorageEndpointPort)
}

// PublicBaseURL returns the base URL derivatives are served from, used to
// build CDN purge targets. Falls back to the presign endpoint plus bucket.
func (c *Config) PublicBaseURL() string {
	if c.CDNPublicBase != "" {
		return c.CDNPublicBase
	}
	if c.StoragePublicURL != "" {
		return c.StoragePublicURL + "/" + c.StorageBucket
	}
	return c.StorageEndpoint() + "/" + c.StorageBucket
}

// FTPEnabled reports whether the FTP ingest server should start.
func (c *Config) FTPEnabled() bool {
	return c.FTPPort > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultMillis int) time.Duration {
	return time.Duration(getIntEnv(key, defaultMillis)) * time.Millisecond
}
