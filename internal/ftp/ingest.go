package ftp

import (
	"context"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/spf13/afero"

	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

const actorFTP = "ftp"

// Enqueuer is the queue surface ingest submits work through.
// *queue.Client satisfies it; tests substitute a recorder.
type Enqueuer interface {
	EnqueueProcessPhoto(ctx context.Context, payload queue.ProcessPhotoPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueueCleanupObject(ctx context.Context, payload queue.CleanupObjectPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Ingestor turns a staged upload into a pending photo: original bytes
// to object storage, a photos row, and a processing task. Live FTP
// sessions and the boot staging sweep share one instance.
type Ingestor struct {
	store   *store.Store
	storage storage.Adapter
	queue   Enqueuer
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewIngestor creates an Ingestor.
func NewIngestor(st *store.Store, adapter storage.Adapter, q Enqueuer, log *logger.Logger, met *metrics.Metrics) *Ingestor {
	return &Ingestor{
		store:   st,
		storage: adapter,
		queue:   q,
		logger:  log.WithComponent("ftp-ingest"),
		metrics: met,
	}
}

// IngestStaged ingests one staged file from an album-scoped filesystem
// and removes it on success. On failure the staged file stays behind so
// a client retry, or the next boot sweep, can pick it up again.
func (ing *Ingestor) IngestStaged(ctx context.Context, fs afero.Fs, albumID, name string) error {
	base := path.Base(filepath.ToSlash(name))
	log := ing.logger.WithFields(map[string]interface{}{
		"album_id": albumID,
		"filename": base,
	})

	data, err := afero.ReadFile(fs, name)
	if err != nil {
		log.WithError(err).Error("staged file unreadable")
		ing.metrics.IncFTPUpload("failed")
		return err
	}

	photoID := uuid.NewString()
	key := storage.RawKey(albumID, photoID, filepath.Ext(base))
	contentType := contentTypeFor(base)

	if _, err := ing.storage.Upload(ctx, key, data, storage.UploadOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"original-filename": base},
	}); err != nil {
		log.WithError(err).Error("original upload failed")
		ing.metrics.IncFTPUpload("failed")
		return err
	}

	photo, err := ing.store.InsertPhoto(ctx, &models.Photo{
		ID:          photoID,
		AlbumID:     albumID,
		Filename:    base,
		OriginalKey: key,
		MimeType:    contentType,
		FileSize:    int64(len(data)),
	})
	if err != nil {
		// Schedule removal of the just-written original so a client
		// retry does not strand it under a photo id that never got a
		// row.
		if _, qErr := ing.queue.EnqueueCleanupObject(ctx, queue.CleanupObjectPayload{Key: key}); qErr != nil {
			log.WithError(qErr).Warn("orphaned original cleanup enqueue failed")
		}
		log.WithError(err).Error("photo insert failed")
		ing.metrics.IncFTPUpload("failed")
		return err
	}

	if _, err := ing.queue.EnqueueProcessPhoto(ctx, queue.ProcessPhotoPayload{
		PhotoID:     photo.ID,
		AlbumID:     albumID,
		OriginalKey: key,
	}); err != nil {
		log.WithError(err).WithField("photo_id", photo.ID).Error("enqueue failed, row stays pending")
		ing.metrics.IncFTPUpload("failed")
		return err
	}

	if err := ing.store.RecordAudit(ctx, actorFTP, store.ActionPhotoIngested, store.TargetPhoto, photo.ID, map[string]any{
		"album_id": albumID,
		"filename": base,
		"bytes":    len(data),
	}); err != nil {
		log.WithError(err).Warn("audit write failed")
	}

	if err := fs.Remove(name); err != nil {
		// The boot sweep would re-ingest this file as a new photo, so
		// a failed remove is worth an error-level entry.
		log.WithError(err).WithField("photo_id", photo.ID).Error("staged file removal failed")
	}

	ing.metrics.IncFTPUpload("ingested")
	log.WithFields(map[string]interface{}{
		"photo_id": photo.ID,
		"key":      key,
		"bytes":    len(data),
	}).Info("photo ingested")
	return nil
}

// contentTypeFor guesses a Content-Type from the filename extension.
func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
