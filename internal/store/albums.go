// Album-related database operations.

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/models"
)

// GetAlbum returns an album by id, tombstoned rows included.
func (s *Store) GetAlbum(ctx context.Context, id string) (*models.Album, error) {
	row, err := s.db.FindOne(ctx, database.TableAlbums, database.Q().Where("id", id))
	if err != nil {
		return nil, err
	}
	return models.AlbumFromRow(row), nil
}

// AlbumSettings loads the cached per-album pipeline settings. Tombstoned
// albums still resolve; the settings carry the Deleted flag so the
// pipeline can decide what to do with in-flight photos.
func (s *Store) AlbumSettings(ctx context.Context, id string) (*models.AlbumSettings, error) {
	album, err := s.GetAlbum(ctx, id)
	if err != nil {
		return nil, err
	}
	settings := album.Settings()
	return &settings, nil
}

// LiveAlbumByRef resolves an upload target by album id or slug. Only
// live, non-expired albums qualify; everything else reads as not found
// so FTP logins cannot discover tombstoned galleries. The stored photo
// counter is reconciled on the way out.
func (s *Store) LiveAlbumByRef(ctx context.Context, ref string) (*models.Album, error) {
	album, err := s.liveAlbumLookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if album.IsExpired(s.now()) {
		return nil, apperr.NotFound.New("album %s: expired", ref)
	}
	if n, err := s.RefreshAlbumPhotoCount(ctx, album.ID); err != nil {
		s.log.WithError(err).WithField("album_id", album.ID).Warn("photo count reconcile failed")
	} else {
		album.PhotoCount = int(n)
	}
	return album, nil
}

func (s *Store) liveAlbumLookup(ctx context.Context, ref string) (*models.Album, error) {
	if _, err := uuid.Parse(ref); err == nil {
		row, err := s.db.FindOne(ctx, database.TableAlbums,
			database.Q().Where("id", ref).Where("deleted_at?", nil))
		if err == nil {
			return models.AlbumFromRow(row), nil
		}
		if !apperr.IsNotFound(err) {
			return nil, err
		}
	}
	row, err := s.db.FindOne(ctx, database.TableAlbums,
		database.Q().Where("slug", ref).Where("deleted_at?", nil))
	if err != nil {
		return nil, err
	}
	return models.AlbumFromRow(row), nil
}

// RefreshAlbumPhotoCount recounts an album's live completed photos and
// writes the counter back when it drifted. Recounting instead of
// incrementing keeps the counter self-healing under concurrent ingest
// and delete; pending and failed rows stay invisible to viewers, so
// they never count.
func (s *Store) RefreshAlbumPhotoCount(ctx context.Context, albumID string) (int64, error) {
	n, err := s.db.Count(ctx, database.TablePhotos,
		database.Q().
			Where("album_id", albumID).
			Where("status", string(models.PhotoStatusCompleted)).
			Where("deleted_at?", nil))
	if err != nil {
		return 0, err
	}
	_, err = s.db.Update(ctx, database.TableAlbums,
		database.Q().Where("id", albumID).Where("!photo_count", n),
		database.Row{
			"photo_count": n,
			"updated_at":  s.now(),
		})
	if err != nil {
		return 0, err
	}
	return n, nil
}
