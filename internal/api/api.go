// Package api exposes the worker control surface over HTTP: health and
// queue status probes, manual enqueue and reprocess, presigned download
// links, photo deletion and queue pause/resume. Every mutating endpoint
// sits behind the shared worker API key; /health and /metrics are open
// for probes and scrapers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
	"github.com/JunyuZhan/pis-worker/internal/worker"
)

const headerAPIKey = "X-API-Key"

// defaultPresignTTL applies when a presign request names no TTL.
const defaultPresignTTL = 5 * time.Minute

// healthProbeKey is the object key probed by /health. It does not have
// to exist; only the round trip to the storage backend matters.
const healthProbeKey = "health/probe"

// TaskQueue is the slice of the queue client the API uses.
type TaskQueue interface {
	EnqueueProcessPhoto(ctx context.Context, payload queue.ProcessPhotoPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueuePurgeCDN(ctx context.Context, payload queue.PurgeCDNPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Ping() error
}

// QueueControl is the inspector slice used for status and pause/resume.
type QueueControl interface {
	Counts(name string) (queue.Counts, error)
	Pause(name string) error
	Resume(name string) error
	DeleteTask(name, taskID string) error
}

// SweepReporter exposes the most recent recovery sweep.
type SweepReporter interface {
	LastSweep() worker.SweepStats
}

// Deps carries everything the control server talks to.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Storage   storage.Adapter
	Queue     TaskQueue
	Inspector QueueControl
	Sweeper   SweepReporter
	Logger    *logger.Logger
}

// Server is the worker control API.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	storage   storage.Adapter
	queue     TaskQueue
	inspector QueueControl
	sweeper   SweepReporter
	logger    *logger.Logger

	router chi.Router
	http   *http.Server
}

// New wires the router and returns a server ready to start.
func New(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		storage:   deps.Storage,
		queue:     deps.Queue,
		inspector: deps.Inspector,
		sweeper:   deps.Sweeper,
		logger:    deps.Logger.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(recovery(s.logger))
	r.Use(requestID)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Post("/process", s.handleProcess)
		r.Post("/presign/get", s.handlePresignGet)
		r.Post("/cleanup-file", s.handleCleanupFile)
		r.Post("/delete-photo", s.handleDeletePhoto)
		r.Post("/reprocess", s.handleReprocess)
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})
	s.router = r

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.WorkerPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Infof("control api listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperr.Fatal.Wrap(err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
