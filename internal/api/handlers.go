package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

// actorAPI marks audit rows written on behalf of control API callers.
const actorAPI = "api"

// handleProcess enqueues a processing run for an existing photo row.
// Used to re-drive rows whose ingest-time enqueue failed.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhotoID     string `json:"photoId"`
		AlbumID     string `json:"albumId"`
		OriginalKey string `json:"originalKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.PhotoID == "" || req.AlbumID == "" || req.OriginalKey == "" {
		badRequest(w, "photoId, albumId and originalKey are required")
		return
	}

	info, err := s.queue.EnqueueProcessPhoto(r.Context(), queue.ProcessPhotoPayload{
		PhotoID:     req.PhotoID,
		AlbumID:     req.AlbumID,
		OriginalKey: req.OriginalKey,
	})
	if err != nil {
		s.logger.WithError(err).WithField("photo_id", req.PhotoID).Warn("process enqueue failed")
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"warning": "queue unreachable, retry once it recovers",
		})
		return
	}
	if info == nil {
		respondOK(w, statusResponse{Status: "duplicate"})
		return
	}
	respondOK(w, statusResponse{Status: "enqueued"})
}

// handlePresignGet signs a time-limited download URL for one object and
// writes a download log row when the caller names the photo.
func (s *Server) handlePresignGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string `json:"key"`
		TTLSec      int    `json:"ttlSec"`
		Disposition string `json:"responseContentDisposition"`
		PhotoID     string `json:"photoId"`
		AlbumID     string `json:"albumId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.Key == "" {
		badRequest(w, "key is required")
		return
	}

	ttl := time.Duration(req.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	if max := s.cfg.PresignMaxTTL; max > 0 && ttl > max {
		ttl = max
	}

	url, err := s.storage.PresignGet(r.Context(), req.Key, ttl, req.Disposition)
	if err != nil {
		s.logger.WithError(err).WithField("key", req.Key).Error("presign failed")
		internalError(w)
		return
	}

	if req.PhotoID != "" {
		albumID := req.AlbumID
		if albumID == "" {
			if photo, lookupErr := s.store.GetPhoto(r.Context(), req.PhotoID); lookupErr == nil {
				albumID = photo.AlbumID
			}
		}
		if logErr := s.store.RecordDownload(r.Context(), req.PhotoID, albumID, req.Key, clientIP(r)); logErr != nil {
			s.logger.WithError(logErr).Warn("download log write failed")
		}
	}

	respondOK(w, map[string]interface{}{
		"url":       url,
		"expiresIn": int(ttl.Seconds()),
	})
}

// handleCleanupFile removes one object immediately. Deleting a missing
// object succeeds.
func (s *Server) handleCleanupFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.Key == "" {
		badRequest(w, "key is required")
		return
	}

	if err := s.storage.Delete(r.Context(), req.Key); err != nil {
		s.logger.WithError(err).WithField("key", req.Key).Error("cleanup delete failed")
		internalError(w)
		return
	}
	if err := s.store.RecordAudit(r.Context(), actorAPI, store.ActionObjectCleanupAsked, store.TargetSystem, req.Key, nil); err != nil {
		s.logger.WithError(err).Warn("audit write failed")
	}
	okStatus(w)
}

// handleDeletePhoto tombstones a photo and schedules a CDN purge for
// its derivatives. The original object stays in place.
func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhotoID string `json:"photoId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.PhotoID == "" {
		badRequest(w, "photoId is required")
		return
	}

	photo, tombstoned, err := s.store.SoftDeletePhoto(r.Context(), req.PhotoID)
	if err != nil {
		if apperr.IsNotFound(err) {
			notFound(w, "photo not found")
			return
		}
		s.logger.WithError(err).WithField("photo_id", req.PhotoID).Error("photo delete failed")
		internalError(w)
		return
	}

	// Purge and audit only on the first delete; repeats stay 200 so the
	// operation is safe to retry.
	urls := s.purgeTargets(photo)
	if tombstoned {
		if len(urls) > 0 {
			if _, purgeErr := s.queue.EnqueuePurgeCDN(r.Context(), queue.PurgeCDNPayload{
				PhotoID: photo.ID,
				URLs:    urls,
			}); purgeErr != nil {
				s.logger.WithError(purgeErr).WithField("photo_id", photo.ID).Warn("cdn purge enqueue failed")
			} else if auditErr := s.store.RecordAudit(r.Context(), actorAPI, store.ActionCDNPurgeRequested, store.TargetPhoto, photo.ID, map[string]any{
				"urls": len(urls),
			}); auditErr != nil {
				s.logger.WithError(auditErr).Warn("audit write failed")
			}
		}
		if auditErr := s.store.RecordAudit(r.Context(), actorAPI, store.ActionPhotoDeleted, store.TargetPhoto, photo.ID, map[string]any{
			"album_id": photo.AlbumID,
		}); auditErr != nil {
			s.logger.WithError(auditErr).Warn("audit write failed")
		}
	}

	respondOK(w, map[string]interface{}{
		"status":    "deleted",
		"purgeUrls": len(urls),
	})
}

// purgeTargets builds the public URLs of every derivative of a photo.
func (s *Server) purgeTargets(photo *models.Photo) []string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL(), "/")
	keys := photo.DerivativeKeys()
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, base+"/"+key)
	}
	return urls
}

// handleReprocess clears a photo's attempt budget and enqueues a fresh
// run. A finished task under the same id is dropped first so the
// enqueue is not deduplicated against the archive.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhotoID string `json:"photoId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.PhotoID == "" {
		badRequest(w, "photoId is required")
		return
	}

	photo, err := s.store.GetPhoto(r.Context(), req.PhotoID)
	if err != nil {
		if apperr.IsNotFound(err) {
			notFound(w, "photo not found")
			return
		}
		s.logger.WithError(err).WithField("photo_id", req.PhotoID).Error("photo lookup failed")
		internalError(w)
		return
	}
	if photo.IsDeleted() {
		notFound(w, "photo not found")
		return
	}

	if err := s.inspector.DeleteTask(queue.QueuePhotos, photo.ID); err != nil {
		s.logger.WithError(err).WithField("photo_id", photo.ID).Warn("stale task delete failed")
	}

	reset, err := s.store.ResetPhotoAttempts(r.Context(), photo.ID)
	if err != nil {
		s.logger.WithError(err).WithField("photo_id", photo.ID).Error("attempt reset failed")
		internalError(w)
		return
	}
	if !reset {
		notFound(w, "photo not found")
		return
	}

	info, err := s.queue.EnqueueProcessPhoto(r.Context(), queue.ProcessPhotoPayload{
		PhotoID:     photo.ID,
		AlbumID:     photo.AlbumID,
		OriginalKey: photo.OriginalKey,
	})
	if err != nil {
		s.logger.WithError(err).WithField("photo_id", photo.ID).Warn("reprocess enqueue failed")
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"warning": "queue unreachable, retry once it recovers",
		})
		return
	}

	if auditErr := s.store.RecordAudit(r.Context(), actorAPI, store.ActionPhotoReprocessed, store.TargetPhoto, photo.ID, map[string]any{
		"reason": "manual",
	}); auditErr != nil {
		s.logger.WithError(auditErr).Warn("audit write failed")
	}

	if info == nil {
		respondOK(w, statusResponse{Status: "duplicate"})
		return
	}
	respondOK(w, statusResponse{Status: "enqueued"})
}

// handleHealth reports liveness of the database, queue and storage
// backends. Any failing dependency turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, 3)
	healthy := true

	if err := s.store.DB().Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := s.queue.Ping(); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	if _, err := s.storage.Exists(ctx, healthProbeKey); err != nil {
		checks["storage"] = err.Error()
		healthy = false
	} else {
		checks["storage"] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleStatus reports queue depths, photo status counts and the most
// recent recovery sweep.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]queue.Counts, len(queue.AllQueues))
	for _, name := range queue.AllQueues {
		counts, err := s.inspector.Counts(name)
		if err != nil {
			s.logger.WithError(err).WithField("queue", name).Error("queue inspection failed")
			internalError(w)
			return
		}
		queues[name] = counts
	}

	photos, err := s.store.PhotoStatusCounts(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("photo status counts failed")
		internalError(w)
		return
	}

	payload := map[string]interface{}{
		"queues": queues,
		"photos": photos,
	}
	if s.sweeper != nil {
		payload["lastSweep"] = s.sweeper.LastSweep()
	}
	respondOK(w, payload)
}

// handlePause stops consumption from one queue. Queued tasks stay put.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueFromBody(w, r)
	if !ok {
		return
	}
	if err := s.inspector.Pause(name); err != nil {
		s.logger.WithError(err).WithField("queue", name).Error("pause failed")
		internalError(w)
		return
	}
	okStatus(w)
}

// handleResume restarts consumption from one queue.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name, ok := s.queueFromBody(w, r)
	if !ok {
		return
	}
	if err := s.inspector.Resume(name); err != nil {
		s.logger.WithError(err).WithField("queue", name).Error("resume failed")
		internalError(w)
		return
	}
	okStatus(w)
}

// queueFromBody reads and validates the queue name of a pause or resume
// request. It writes the error response itself on failure.
func (s *Server) queueFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Queue string `json:"queue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return "", false
	}
	if req.Queue == "" {
		badRequest(w, "queue is required")
		return "", false
	}
	for _, known := range queue.AllQueues {
		if req.Queue == known {
			return req.Queue, true
		}
	}
	badRequest(w, "unknown queue")
	return "", false
}
