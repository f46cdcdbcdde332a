// Package worker consumes queue tasks: the photo processing pipeline
// plus the maintenance handlers for CDN purges and object cleanup. A
// companion sweeper (recovery.go) returns crashed work to the queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/JunyuZhan/pis-worker/internal/albumcache"
	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/cdn"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/exifmeta"
	"github.com/JunyuZhan/pis-worker/internal/imgproc"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

// Outcome labels for the processed-photos counter.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Step labels for the pipeline duration histogram.
const (
	StepDownload = "download"
	StepDecode   = "decode"
	StepDerive   = "derive"
	StepUpload   = "upload"
	StepCommit   = "commit"
)

// Worker handles queue tasks against the shared stores and adapters.
type Worker struct {
	cfg     *config.Config
	store   *store.Store
	storage storage.Adapter
	albums  *albumcache.Cache
	purger  *cdn.Purger
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// Deps holds dependencies for creating a Worker.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Storage storage.Adapter
	Albums  *albumcache.Cache
	Purger  *cdn.Purger
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// New creates a task worker.
func New(deps Deps) *Worker {
	return &Worker{
		cfg:     deps.Config,
		store:   deps.Store,
		storage: deps.Storage,
		albums:  deps.Albums,
		purger:  deps.Purger,
		logger:  deps.Logger.WithComponent("worker"),
		metrics: deps.Metrics,
	}
}

// Register wires the task handlers into the queue server mux.
func (w *Worker) Register(srv *queue.Server) {
	srv.HandleFunc(queue.TypeProcessPhoto, w.HandleProcessPhoto)
	srv.HandleFunc(queue.TypePurgeCDN, w.HandlePurgeCDN)
	srv.HandleFunc(queue.TypeCleanupObject, w.HandleCleanupObject)
}

// HandleProcessPhoto handles the photo:process task. One invocation is
// one attempt; the conditional claim update is the only synchronization,
// so a lost claim drops the task without error.
func (w *Worker) HandleProcessPhoto(ctx context.Context, task *asynq.Task) error {
	var payload queue.ProcessPhotoPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	log := w.logger.WithFields(map[string]interface{}{
		"photo_id": payload.PhotoID,
		"album_id": payload.AlbumID,
	})

	photo, err := w.store.GetPhoto(ctx, payload.PhotoID)
	if err != nil {
		if apperr.IsNotFound(err) {
			log.Debug("photo row missing, dropping task")
			w.metrics.IncProcessed(OutcomeDropped)
			return nil
		}
		return err
	}
	if photo.IsDeleted() {
		log.Debug("photo tombstoned, dropping task")
		w.metrics.IncProcessed(OutcomeDropped)
		return nil
	}

	claimed, err := w.store.ClaimPhoto(ctx, photo.ID, photo.Attempts)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("claim lost, dropping task")
		w.metrics.IncProcessed(OutcomeDropped)
		return nil
	}

	attempt := photo.Attempts + 1
	log = log.WithField("attempt", attempt)
	log.Info("processing photo")

	return w.process(ctx, log, photo, attempt)
}

// process runs one claimed attempt end to end: download, decode,
// derive, upload, commit.
func (w *Worker) process(ctx context.Context, log *logger.Logger, photo *models.Photo, attempt int) error {
	start := time.Now()

	stepStart := time.Now()
	data, err := w.storage.Download(ctx, photo.OriginalKey)
	if err != nil {
		if apperr.IsNotFound(err) {
			return w.fail(ctx, log, photo.ID, "original missing", err)
		}
		return w.retryOrFail(ctx, log, photo.ID, attempt, "download failed", err)
	}
	w.metrics.ObserveStep(StepDownload, time.Since(stepStart).Seconds())

	stepStart = time.Now()
	img, err := imgproc.Decode(data)
	if err != nil {
		return w.retryOrFail(ctx, log, photo.ID, attempt, "decode failed", err)
	}
	meta := exifmeta.Extract(data)
	oriented := imgproc.Orient(img, meta.Orientation)
	w.metrics.ObserveStep(StepDecode, time.Since(stepStart).Seconds())

	settings, err := w.albums.Get(ctx, photo.AlbumID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return w.fail(ctx, log, photo.ID, "album missing", err)
		}
		return w.retryOrFail(ctx, log, photo.ID, attempt, "album settings unavailable", err)
	}
	if settings.Deleted {
		// The tombstone hides the row either way; finishing the run
		// keeps the claim/commit protocol uniform.
		log.Debug("album tombstoned, commit proceeds")
	}

	var mark *imgproc.Watermark
	if settings.WatermarkEnabled {
		mark, err = w.loadWatermark(ctx, log, settings)
		if err != nil {
			return w.retryOrFail(ctx, log, photo.ID, attempt, "watermark unavailable", err)
		}
	}

	stepStart = time.Now()
	derived, err := imgproc.Render(oriented, imgproc.Options{
		Presets:        settings.GradingPresets,
		Watermark:      mark,
		ThumbMaxPx:     w.cfg.ThumbMaxPx,
		PreviewMaxPx:   w.cfg.PreviewMaxPx,
		ThumbQuality:   w.cfg.ThumbQuality,
		PreviewQuality: w.cfg.PreviewQuality,
	})
	if err != nil {
		return w.retryOrFail(ctx, log, photo.ID, attempt, "derive failed", err)
	}
	if len(derived.SkippedPresets) > 0 {
		log.WithField("presets", derived.SkippedPresets).Warn("unknown style presets skipped")
	}
	w.metrics.ObserveStep(StepDerive, time.Since(stepStart).Seconds())

	stepStart = time.Now()
	keys, err := w.uploadDerivatives(ctx, photo, derived)
	if err != nil {
		return w.retryOrFail(ctx, log, photo.ID, attempt, "upload failed", err)
	}
	w.metrics.ObserveStep(StepUpload, time.Since(stepStart).Seconds())

	stepStart = time.Now()
	completion := store.Completion{
		ThumbKey:    keys.thumb,
		PreviewKey:  keys.preview,
		VariantKeys: keys.variants,
		Blurhash:    derived.Blurhash,
		Width:       derived.Width,
		Height:      derived.Height,
		Rotation:    exifmeta.RotationFromOrientation(meta.Orientation),
		CapturedAt:  meta.CapturedAt,
	}
	if err := w.store.CompletePhoto(ctx, photo.ID, completion); err != nil {
		if apperr.IsNotFound(err) {
			log.Warn("photo row gone before commit, dropping")
			w.metrics.IncProcessed(OutcomeDropped)
			return nil
		}
		return w.retryOrFail(ctx, log, photo.ID, attempt, "commit failed", err)
	}
	w.metrics.ObserveStep(StepCommit, time.Since(stepStart).Seconds())
	w.metrics.IncProcessed(OutcomeCompleted)

	log.WithFields(map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
		"width":       derived.Width,
		"height":      derived.Height,
		"styles":      len(keys.variants),
	}).Info("photo processed")

	return nil
}

type derivedKeys struct {
	thumb    string
	preview  string
	variants map[string]string
}

// uploadDerivatives writes every derivative under its deterministic
// key. Uploads are independent; a partial failure leaves the finished
// ones in place and the next attempt overwrites them.
func (w *Worker) uploadDerivatives(ctx context.Context, photo *models.Photo, d *imgproc.Derivatives) (derivedKeys, error) {
	opts := storage.UploadOptions{ContentType: "image/jpeg"}
	keys := derivedKeys{
		thumb:   storage.ThumbKey(photo.AlbumID, photo.ID),
		preview: storage.PreviewKey(photo.AlbumID, photo.ID),
	}

	if _, err := w.storage.Upload(ctx, keys.thumb, d.Thumb.Data, opts); err != nil {
		return keys, err
	}
	if _, err := w.storage.Upload(ctx, keys.preview, d.Preview.Data, opts); err != nil {
		return keys, err
	}
	if len(d.Styles) > 0 {
		keys.variants = make(map[string]string, len(d.Styles))
		for preset, res := range d.Styles {
			key := storage.StyleKey(preset, photo.AlbumID, photo.ID)
			if _, err := w.storage.Upload(ctx, key, res.Data, opts); err != nil {
				return keys, err
			}
			keys.variants[preset] = key
		}
	}
	return keys, nil
}

// loadWatermark builds the configured watermark. A missing or
// undecodable asset disables stamping for this run; the photo must not
// fail over its watermark.
func (w *Worker) loadWatermark(ctx context.Context, log *logger.Logger, s *models.AlbumSettings) (*imgproc.Watermark, error) {
	switch s.WatermarkType {
	case models.WatermarkText:
		return imgproc.NewTextWatermark(s.Watermark), nil
	case models.WatermarkImage:
		if s.Watermark.ImageKey == "" {
			log.Warn("image watermark has no asset key, skipping")
			return nil, nil
		}
		data, err := w.storage.Download(ctx, s.Watermark.ImageKey)
		if err != nil {
			if apperr.IsNotFound(err) {
				log.WithField("key", s.Watermark.ImageKey).Warn("watermark asset missing, skipping")
				return nil, nil
			}
			return nil, err
		}
		asset, err := imgproc.Decode(data)
		if err != nil {
			log.WithError(err).WithField("key", s.Watermark.ImageKey).Warn("watermark asset undecodable, skipping")
			return nil, nil
		}
		return imgproc.NewImageWatermark(s.Watermark, asset), nil
	default:
		return nil, nil
	}
}

// retryOrFail demotes the photo for a backoff retry while attempts
// remain, and fails it terminally otherwise.
func (w *Worker) retryOrFail(ctx context.Context, log *logger.Logger, photoID string, attempt int, message string, cause error) error {
	if attempt < w.cfg.JobMaxAttempts {
		return w.retry(ctx, log, photoID, attempt, message, cause)
	}
	return w.fail(ctx, log, photoID, message, cause)
}

// retry parks the photo at pending and returns the cause so asynq
// schedules the backoff retry.
func (w *Worker) retry(ctx context.Context, log *logger.Logger, photoID string, attempt int, message string, cause error) error {
	log.WithError(cause).WithField("stage", message).Warn("attempt failed, will retry")
	if err := w.store.ReleasePhoto(ctx, photoID, message); err != nil {
		log.WithError(err).Warn("failed to release photo for retry")
	}
	w.metrics.IncProcessed(OutcomeRetried)
	return fmt.Errorf("%s: %w", message, cause)
}

// fail marks the photo terminally failed and tells asynq not to retry.
// The stored message stays sanitized; the cause goes to the log.
func (w *Worker) fail(ctx context.Context, log *logger.Logger, photoID, message string, cause error) error {
	log.WithError(cause).WithField("stage", message).Error("attempt failed terminally")
	if err := w.store.FailPhoto(ctx, photoID, message); err != nil {
		log.WithError(err).Error("failed to mark photo failed")
	}
	w.metrics.IncProcessed(OutcomeFailed)
	return fmt.Errorf("%s: %v: %w", message, cause, asynq.SkipRetry)
}

// HandlePurgeCDN handles the cdn:purge task. The purger itself never
// errors; a partial result returns an error here so the task retries,
// re-purging the full URL set (purges are idempotent).
func (w *Worker) HandlePurgeCDN(ctx context.Context, task *asynq.Task) error {
	var payload queue.PurgeCDNPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.URLs) == 0 {
		return nil
	}

	res := w.purger.Purge(ctx, payload.URLs)
	log := w.logger.WithFields(map[string]interface{}{
		"photo_id": payload.PhotoID,
		"purged":   len(res.Purged),
		"failed":   len(res.Failed),
	})
	if len(res.Failed) == 0 {
		log.Debug("cdn purge complete")
		return nil
	}
	if !w.purger.Enabled() {
		log.Debug("cdn purge skipped, purger not configured")
		return nil
	}
	log.Warn("cdn purge incomplete, retrying")
	return apperr.Transient.New("cdn purge: %d of %d urls failed", len(res.Failed), len(payload.URLs))
}

// HandleCleanupObject handles the storage:cleanup task. Adapters treat
// missing keys as already deleted, so the handler only sees real
// failures.
func (w *Worker) HandleCleanupObject(ctx context.Context, task *asynq.Task) error {
	var payload queue.CleanupObjectPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Key == "" {
		return nil
	}
	if err := w.storage.Delete(ctx, payload.Key); err != nil {
		return err
	}
	w.logger.WithField("key", payload.Key).Debug("object removed")
	return nil
}
