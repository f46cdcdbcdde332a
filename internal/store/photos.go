// Photo-related database operations.

package store

import (
	"context"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/models"
)

// maxErrorLen bounds stored error messages; storage errors can embed
// whole XML responses.
const maxErrorLen = 500

// GetPhoto returns a photo by id, tombstoned rows included. Callers
// that must not see soft-deleted photos check IsDeleted themselves.
func (s *Store) GetPhoto(ctx context.Context, id string) (*models.Photo, error) {
	row, err := s.db.FindOne(ctx, database.TablePhotos, database.Q().Where("id", id))
	if err != nil {
		return nil, err
	}
	return models.PhotoFromRow(row), nil
}

// InsertPhoto stores a freshly ingested photo in pending state and
// returns the stored copy.
func (s *Store) InsertPhoto(ctx context.Context, p *models.Photo) (*models.Photo, error) {
	now := s.now()
	row := p.InsertRow()
	row["created_at"] = now
	row["updated_at"] = now
	stored, err := s.db.Insert(ctx, database.TablePhotos, row)
	if err != nil {
		return nil, err
	}
	return models.PhotoFromRow(stored), nil
}

// ClaimPhoto transitions a photo into processing, but only when the row
// still looks exactly like the caller observed it: claimable status,
// same attempt count, not tombstoned. A compare-and-set via the WHERE
// clause, so two workers holding the same job cannot both win. Returns
// false when somebody else got there first.
func (s *Store) ClaimPhoto(ctx context.Context, id string, observedAttempts int) (bool, error) {
	now := s.now()
	claimable := []string{
		string(models.PhotoStatusPending),
		string(models.PhotoStatusFailed),
		string(models.PhotoStatusCompleted),
	}
	affected, err := s.db.Update(ctx, database.TablePhotos,
		database.Q().
			Where("id", id).
			Where("status[]", claimable).
			Where("attempts", observedAttempts).
			Where("deleted_at?", nil),
		database.Row{
			"status":                string(models.PhotoStatusProcessing),
			"attempts":              observedAttempts + 1,
			"processing_started_at": now,
			"updated_at":            now,
		})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Completion carries everything one successful pipeline run produces.
type Completion struct {
	ThumbKey    string
	PreviewKey  string
	VariantKeys map[string]string
	Blurhash    string
	Width       int
	Height      int
	Rotation    int
	CapturedAt  *time.Time
}

// CompletePhoto commits a finished run in a single update. The write is
// unconditional on status: derivative keys are deterministic, so a
// concurrent duplicate run commits identical data, and a tombstone set
// mid-run survives because deleted_at is never touched here.
func (s *Store) CompletePhoto(ctx context.Context, id string, c Completion) error {
	row := database.Row{
		"status":                string(models.PhotoStatusCompleted),
		"thumb_key":             c.ThumbKey,
		"preview_key":           c.PreviewKey,
		"width":                 c.Width,
		"height":                c.Height,
		"rotation":              c.Rotation,
		"error_message":         nil,
		"processing_started_at": nil,
		"updated_at":            s.now(),
	}
	if encoded := models.EncodeVariantKeys(c.VariantKeys); encoded != "" {
		row["variant_keys"] = encoded
	} else {
		row["variant_keys"] = nil
	}
	if c.Blurhash != "" {
		row["blurhash"] = c.Blurhash
	} else {
		row["blurhash"] = nil
	}
	if c.CapturedAt != nil {
		row["captured_at"] = *c.CapturedAt
	} else {
		row["captured_at"] = nil
	}
	affected, err := s.db.Update(ctx, database.TablePhotos, database.Q().Where("id", id), row)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound.New("photo %s: gone before completion", id)
	}
	return nil
}

// FailPhoto marks a photo permanently failed and records why.
func (s *Store) FailPhoto(ctx context.Context, id, message string) error {
	affected, err := s.db.Update(ctx, database.TablePhotos,
		database.Q().Where("id", id),
		database.Row{
			"status":                string(models.PhotoStatusFailed),
			"error_message":         clipError(message),
			"processing_started_at": nil,
			"updated_at":            s.now(),
		})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound.New("photo %s: gone before failure mark", id)
	}
	return nil
}

// ReleasePhoto demotes a processing photo back to pending between retry
// attempts, keeping the last error visible for operators.
func (s *Store) ReleasePhoto(ctx context.Context, id, message string) error {
	_, err := s.db.Update(ctx, database.TablePhotos,
		database.Q().Where("id", id),
		database.Row{
			"status":                string(models.PhotoStatusPending),
			"error_message":         clipError(message),
			"processing_started_at": nil,
			"updated_at":            s.now(),
		})
	return err
}

// ResetPhotoAttempts zeroes the attempt counter ahead of a manual
// reprocess so the retry budget starts fresh. Returns false when the
// photo is missing or tombstoned.
func (s *Store) ResetPhotoAttempts(ctx context.Context, id string) (bool, error) {
	affected, err := s.db.Update(ctx, database.TablePhotos,
		database.Q().Where("id", id).Where("deleted_at?", nil),
		database.Row{
			"attempts":      0,
			"error_message": nil,
			"updated_at":    s.now(),
		})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SoftDeletePhoto tombstones a photo and returns it so callers can purge
// its public URLs. The second return reports whether this call set the
// tombstone; repeat deletes are no-ops.
func (s *Store) SoftDeletePhoto(ctx context.Context, id string) (*models.Photo, bool, error) {
	photo, err := s.GetPhoto(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if photo.IsDeleted() {
		return photo, false, nil
	}
	now := s.now()
	affected, err := s.db.Update(ctx, database.TablePhotos,
		database.Q().Where("id", id).Where("deleted_at?", nil),
		database.Row{
			"deleted_at": now,
			"updated_at": now,
		})
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		// Lost the race with another delete.
		return photo, false, nil
	}
	photo.DeletedAt = &now
	return photo, true, nil
}

// StaleProcessing returns live photos stuck in processing since before
// the horizon, oldest first. The recovery sweeper re-queues these.
func (s *Store) StaleProcessing(ctx context.Context, horizon time.Time, limit int) ([]*models.Photo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.FindMany(ctx, database.TablePhotos,
		database.Q().
			Where("status", string(models.PhotoStatusProcessing)).
			Where("processing_started_at<", horizon).
			Where("deleted_at?", nil).
			OrderBy("processing_started_at", database.Asc).
			Limit(limit))
	if err != nil {
		return nil, err
	}
	return photosFromRows(rows), nil
}

// CompletedSince returns live photos completed after the given time,
// newest first. The sweeper spot-checks their derivatives.
func (s *Store) CompletedSince(ctx context.Context, since time.Time, limit int) ([]*models.Photo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.FindMany(ctx, database.TablePhotos,
		database.Q().
			Where("status", string(models.PhotoStatusCompleted)).
			Where("updated_at>", since).
			Where("deleted_at?", nil).
			OrderBy("updated_at", database.Desc).
			Limit(limit))
	if err != nil {
		return nil, err
	}
	return photosFromRows(rows), nil
}

// PhotoStatusCounts reports how many live photos sit in each status.
func (s *Store) PhotoStatusCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 4)
	for _, status := range []models.PhotoStatus{
		models.PhotoStatusPending,
		models.PhotoStatusProcessing,
		models.PhotoStatusCompleted,
		models.PhotoStatusFailed,
	} {
		n, err := s.db.Count(ctx, database.TablePhotos,
			database.Q().
				Where("status", string(status)).
				Where("deleted_at?", nil))
		if err != nil {
			return nil, err
		}
		counts[string(status)] = n
	}
	return counts, nil
}

func photosFromRows(rows []database.Row) []*models.Photo {
	photos := make([]*models.Photo, 0, len(rows))
	for _, r := range rows {
		photos = append(photos, models.PhotoFromRow(r))
	}
	return photos
}

func clipError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
