package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

const (
	// staleBatch bounds how many stuck rows one sweep recovers.
	staleBatch = 100

	// integrityWindow and integrityBatch bound the completed-photo
	// derivative spot-check.
	integrityWindow = 30 * time.Minute
	integrityBatch  = 25

	sweeperActor = "sweeper"
)

// Enqueuer is the queue surface the sweeper re-submits work through.
// *queue.Client satisfies it; tests substitute a recorder.
type Enqueuer interface {
	EnqueueProcessPhoto(ctx context.Context, payload queue.ProcessPhotoPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Sweeper returns crashed work to the queue. Processing rows older than
// the recovery horizon are demoted to pending and re-enqueued under
// their photo id, so an attempt that is actually still alive dedups to
// a no-op. Recent completions are spot-checked for missing derivatives.
type Sweeper struct {
	cfg     *config.Config
	store   *store.Store
	storage storage.Adapter
	queue   Enqueuer
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	last SweepStats

	now func() time.Time
}

// SweeperDeps holds dependencies for creating a Sweeper.
type SweeperDeps struct {
	Config  *config.Config
	Store   *store.Store
	Storage storage.Adapter
	Queue   Enqueuer
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(deps SweeperDeps) *Sweeper {
	return &Sweeper{
		cfg:     deps.Config,
		store:   deps.Store,
		storage: deps.Storage,
		queue:   deps.Queue,
		logger:  deps.Logger.WithComponent("sweeper"),
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SweepStats describes one recovery sweep.
type SweepStats struct {
	RanAt     time.Time `json:"ranAt"`
	Stale     int       `json:"stale"`
	Rechecked int       `json:"rechecked"`
	Missing   int       `json:"missing"`
}

// Start runs a sweep immediately and then on every interval tick until
// ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.WithFields(map[string]interface{}{
		"interval": s.cfg.SweepInterval.String(),
		"horizon":  s.cfg.RecoveryHorizon.String(),
	}).Info("recovery sweeper started")

	s.Run(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

// Run executes one sweep pass and records its stats.
func (s *Sweeper) Run(ctx context.Context) SweepStats {
	stats := SweepStats{RanAt: s.now()}

	stale, err := s.store.StaleProcessing(ctx, stats.RanAt.Add(-s.cfg.RecoveryHorizon), staleBatch)
	if err != nil {
		s.logger.WithError(err).Warn("stale-processing query failed")
	}
	for _, photo := range stale {
		if err := s.recoverStale(ctx, photo); err != nil {
			s.logger.WithError(err).WithField("photo_id", photo.ID).Warn("stale photo recovery failed")
			continue
		}
		stats.Stale++
	}
	if stats.Stale > 0 {
		s.metrics.AddSweepRecovered(stats.Stale)
		s.logger.WithField("count", stats.Stale).Info("stale processing photos requeued")
	}

	recent, err := s.store.CompletedSince(ctx, stats.RanAt.Add(-integrityWindow), integrityBatch)
	if err != nil {
		s.logger.WithError(err).Warn("completed-photos query failed")
	}
	for _, photo := range recent {
		stats.Rechecked++
		present, err := s.derivativesPresent(ctx, photo)
		if err != nil {
			s.logger.WithError(err).WithField("photo_id", photo.ID).Warn("derivative check failed")
			continue
		}
		if present {
			continue
		}
		stats.Missing++
		if err := s.requeueMissing(ctx, photo); err != nil {
			s.logger.WithError(err).WithField("photo_id", photo.ID).Warn("derivative requeue failed")
		}
	}
	if stats.Missing > 0 {
		s.logger.WithField("count", stats.Missing).Warn("completed photos missing derivatives requeued")
	}

	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()
	return stats
}

// LastSweep returns the stats of the most recent sweep.
func (s *Sweeper) LastSweep() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) recoverStale(ctx context.Context, photo *models.Photo) error {
	if err := s.store.ReleasePhoto(ctx, photo.ID, "processing interrupted"); err != nil {
		return err
	}
	if _, err := s.queue.EnqueueProcessPhoto(ctx, queue.ProcessPhotoPayload{
		PhotoID:     photo.ID,
		AlbumID:     photo.AlbumID,
		OriginalKey: photo.OriginalKey,
	}); err != nil {
		return err
	}
	if err := s.store.RecordAudit(ctx, sweeperActor, store.ActionPhotoRecovered, store.TargetPhoto, photo.ID, nil); err != nil {
		s.logger.WithError(err).Warn("audit write failed")
	}
	return nil
}

// requeueMissing sends a completed photo with vanished derivatives back
// through the pipeline with a fresh retry budget.
func (s *Sweeper) requeueMissing(ctx context.Context, photo *models.Photo) error {
	if _, err := s.store.ResetPhotoAttempts(ctx, photo.ID); err != nil {
		return err
	}
	if _, err := s.queue.EnqueueProcessPhoto(ctx, queue.ProcessPhotoPayload{
		PhotoID:     photo.ID,
		AlbumID:     photo.AlbumID,
		OriginalKey: photo.OriginalKey,
	}); err != nil {
		return err
	}
	detail := map[string]any{"reason": "derivatives missing"}
	if err := s.store.RecordAudit(ctx, sweeperActor, store.ActionPhotoReprocessed, store.TargetPhoto, photo.ID, detail); err != nil {
		s.logger.WithError(err).Warn("audit write failed")
	}
	return nil
}

// derivativesPresent checks the committed thumb and preview objects.
func (s *Sweeper) derivativesPresent(ctx context.Context, photo *models.Photo) (bool, error) {
	for _, key := range []*string{photo.ThumbKey, photo.PreviewKey} {
		if key == nil || *key == "" {
			return false, nil
		}
		ok, err := s.storage.Exists(ctx, *key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
