// Audit and download log writers. Both are append-only; callers treat
// write failures as log-and-continue, never as pipeline failures.

package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/JunyuZhan/pis-worker/internal/database"
)

// Audit actions recorded by the worker.
const (
	ActionPhotoIngested      = "photo_ingested"
	ActionPhotoDeleted       = "photo_deleted"
	ActionPhotoReprocessed   = "photo_reprocessed"
	ActionPhotoRecovered     = "photo_recovered"
	ActionAdminSeeded        = "admin_seeded"
	ActionPasswordRotated    = "password_rotated"
	ActionBucketEnsured      = "bucket_ensured"
	ActionMigrationsApplied  = "migrations_applied"
	ActionStaleRequeued      = "stale_requeued"
	ActionStagingSwept       = "staging_swept"
	ActionCDNPurgeRequested  = "cdn_purge_requested"
	ActionObjectCleanupAsked = "object_cleanup_requested"
)

// Audit target types.
const (
	TargetPhoto  = "photo"
	TargetAlbum  = "album"
	TargetUser   = "user"
	TargetBucket = "bucket"
	TargetSystem = "system"
)

// RecordAudit appends an audit log entry.
func (s *Store) RecordAudit(ctx context.Context, actor, action, targetType, targetID string, detail map[string]any) error {
	row := database.Row{
		"id":          uuid.NewString(),
		"actor":       actor,
		"action":      action,
		"target_type": targetType,
		"target_id":   targetID,
		"created_at":  s.now(),
	}
	if len(detail) > 0 {
		row["detail"] = detail
	}
	_, err := s.db.Insert(ctx, database.TableAuditLogs, row)
	return err
}

// RecordDownload appends a download log row for a presigned original
// fetch. photoID and albumID may be empty when the caller presigned a
// bare object key.
func (s *Store) RecordDownload(ctx context.Context, photoID, albumID, objectKey, ip string) error {
	row := database.Row{
		"id":         uuid.NewString(),
		"object_key": objectKey,
		"created_at": s.now(),
	}
	if photoID != "" {
		row["photo_id"] = photoID
	}
	if albumID != "" {
		row["album_id"] = albumID
	}
	if ip != "" {
		row["ip"] = ip
	}
	_, err := s.db.Insert(ctx, database.TableDownloadLogs, row)
	return err
}
