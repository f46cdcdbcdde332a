package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JunyuZhan/pis-worker/internal/albumcache"
	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/cdn"
	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/database/memdb"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/metrics"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/queue"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/storage/memstore"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

type testEnv struct {
	worker  *Worker
	store   *store.Store
	db      *memdb.Adapter
	objects *memstore.Store
	met     *metrics.Metrics
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithCDN(t, cdn.Config{})
}

func newTestEnvWithCDN(t *testing.T, purge cdn.Config) *testEnv {
	t.Helper()
	db := memdb.New()
	st := store.New(db, logger.Nop())
	objects := memstore.New()
	met := metrics.NewWith(prometheus.NewRegistry())
	cfg := &config.Config{
		JobMaxAttempts:  3,
		ThumbMaxPx:      400,
		PreviewMaxPx:    1600,
		ThumbQuality:    78,
		PreviewQuality:  85,
		RecoveryHorizon: 15 * time.Minute,
		SweepInterval:   5 * time.Minute,
	}
	w := New(Deps{
		Config:  cfg,
		Store:   st,
		Storage: objects,
		Albums:  albumcache.New(st.AlbumSettings, time.Minute, logger.Nop(), met),
		Purger:  cdn.New(purge, logger.Nop(), met),
		Logger:  logger.Nop(),
		Metrics: met,
	})
	return &testEnv{worker: w, store: st, db: db, objects: objects, met: met, cfg: cfg}
}

func (e *testEnv) seedAlbum(t *testing.T, id string, extra database.Row) {
	t.Helper()
	row := database.Row{
		"id":           id,
		"slug":         id + "-slug",
		"title":        "Album " + id,
		"upload_token": "tok-" + id,
	}
	for k, v := range extra {
		row[k] = v
	}
	if _, err := e.db.Insert(context.Background(), database.TableAlbums, row); err != nil {
		t.Fatalf("seed album: %v", err)
	}
}

func (e *testEnv) seedPhoto(t *testing.T, id, albumID string) *models.Photo {
	t.Helper()
	photo, err := e.store.InsertPhoto(context.Background(), &models.Photo{
		ID:          id,
		AlbumID:     albumID,
		Filename:    "DSC_0001.jpg",
		OriginalKey: storage.RawKey(albumID, id, "jpg"),
		MimeType:    "image/jpeg",
		FileSize:    1024,
	})
	if err != nil {
		t.Fatalf("seed photo: %v", err)
	}
	return photo
}

func (e *testEnv) putObject(t *testing.T, key string, data []byte) {
	t.Helper()
	if _, err := e.objects.Upload(context.Background(), key, data, storage.UploadOptions{ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("seed object %s: %v", key, err)
	}
}

func (e *testEnv) mustGetPhoto(t *testing.T, id string) *models.Photo {
	t.Helper()
	photo, err := e.store.GetPhoto(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPhoto(%s): %v", id, err)
	}
	return photo
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func encodeTestJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// jpegWithOrientation splices a minimal EXIF APP1 segment carrying only
// the orientation tag between the SOI marker and the rest of an encoded
// JPEG.
func jpegWithOrientation(t *testing.T, img image.Image, orientation int) []byte {
	t.Helper()
	plain := encodeTestJPEG(t, img)

	tiffBlock := []byte{
		'I', 'I', 0x2a, 0x00, // little-endian TIFF header
		0x08, 0x00, 0x00, 0x00, // IFD0 at offset 8
		0x01, 0x00, // one entry
		0x12, 0x01, // tag 0x0112 orientation
		0x03, 0x00, // type SHORT
		0x01, 0x00, 0x00, 0x00, // count 1
		byte(orientation), 0x00, 0x00, 0x00, // value
		0x00, 0x00, 0x00, 0x00, // no next IFD
	}
	payload := append([]byte("Exif\x00\x00"), tiffBlock...)

	var buf bytes.Buffer
	buf.Write(plain[:2]) // SOI
	buf.WriteByte(0xff)
	buf.WriteByte(0xe1)
	length := len(payload) + 2
	buf.WriteByte(byte(length >> 8))
	buf.WriteByte(byte(length))
	buf.Write(payload)
	buf.Write(plain[2:])
	return buf.Bytes()
}

func processTask(t *testing.T, payload queue.ProcessPhotoPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TypeProcessPhoto, data)
}

func decodeConfig(t *testing.T, data []byte) image.Config {
	t.Helper()
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg
}

func TestProcessPhotoHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(800, 600)))

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("HandleProcessPhoto: %v", err)
	}

	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted {
		t.Fatalf("status = %q, want completed (error=%v)", got.Status, got.ErrorMessage)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.Width != 800 || got.Height != 600 {
		t.Errorf("dimensions = %dx%d, want 800x600", got.Width, got.Height)
	}
	if got.Rotation != 0 {
		t.Errorf("rotation = %d, want 0", got.Rotation)
	}
	if got.Blurhash == nil || *got.Blurhash == "" {
		t.Error("blurhash should be set")
	}
	if got.ErrorMessage != nil {
		t.Errorf("error_message = %q, want nil", *got.ErrorMessage)
	}
	if got.ProcessingStartedAt != nil {
		t.Error("processing_started_at should be cleared on commit")
	}

	wantThumb := "processed/thumbs/a1/p1.jpg"
	wantPreview := "processed/previews/a1/p1.jpg"
	if got.ThumbKey == nil || *got.ThumbKey != wantThumb {
		t.Errorf("thumb_key = %v, want %q", got.ThumbKey, wantThumb)
	}
	if got.PreviewKey == nil || *got.PreviewKey != wantPreview {
		t.Errorf("preview_key = %v, want %q", got.PreviewKey, wantPreview)
	}

	thumb, err := env.objects.Download(ctx, wantThumb)
	if err != nil {
		t.Fatalf("thumb download: %v", err)
	}
	if cfg := decodeConfig(t, thumb); cfg.Width != 400 || cfg.Height != 300 {
		t.Errorf("thumb = %dx%d, want 400x300", cfg.Width, cfg.Height)
	}
	preview, err := env.objects.Download(ctx, wantPreview)
	if err != nil {
		t.Fatalf("preview download: %v", err)
	}
	// 800px long edge is already below the preview cap; no upscaling.
	if cfg := decodeConfig(t, preview); cfg.Width != 800 || cfg.Height != 600 {
		t.Errorf("preview = %dx%d, want 800x600", cfg.Width, cfg.Height)
	}
	if info, ok := env.objects.Stat(wantThumb); !ok || info.ContentType != "image/jpeg" {
		t.Errorf("thumb content type = %q", info.ContentType)
	}
}

func TestProcessPhotoAppliesOrientation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, jpegWithOrientation(t, gradientImage(640, 480), 6))

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("HandleProcessPhoto: %v", err)
	}

	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted {
		t.Fatalf("status = %q, want completed (error=%v)", got.Status, got.ErrorMessage)
	}
	if got.Rotation != 90 {
		t.Errorf("rotation = %d, want 90", got.Rotation)
	}
	// Committed dimensions are the oriented ones.
	if got.Width != 480 || got.Height != 640 {
		t.Errorf("dimensions = %dx%d, want 480x640", got.Width, got.Height)
	}

	thumb, err := env.objects.Download(ctx, *got.ThumbKey)
	if err != nil {
		t.Fatalf("thumb download: %v", err)
	}
	if cfg := decodeConfig(t, thumb); cfg.Width != 300 || cfg.Height != 400 {
		t.Errorf("thumb = %dx%d, want portrait 300x400", cfg.Width, cfg.Height)
	}
}

func TestProcessPhotoOriginalMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}

	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "original missing" {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, "original missing")
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestProcessPhotoTransientStorageOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))

	var downloads int
	env.objects.Fail = func(op, key string) error {
		if op == "download" && key == photo.OriginalKey {
			downloads++
			if downloads <= 2 {
				return apperr.Transient.New("storage 503")
			}
		}
		return nil
	}

	task := processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	})

	for run := 1; run <= 2; run++ {
		err := env.worker.HandleProcessPhoto(ctx, task)
		if err == nil {
			t.Fatalf("run %d: expected error", run)
		}
		if errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("run %d: transient failure must stay retryable, got %v", run, err)
		}
		got := env.mustGetPhoto(t, "p1")
		if got.Status != models.PhotoStatusPending {
			t.Fatalf("run %d: status = %q, want pending", run, got.Status)
		}
		if got.Attempts != run {
			t.Fatalf("run %d: attempts = %d", run, got.Attempts)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "download failed" {
			t.Fatalf("run %d: error_message = %v", run, got.ErrorMessage)
		}
	}

	if err := env.worker.HandleProcessPhoto(ctx, task); err != nil {
		t.Fatalf("third run: %v", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error_message = %q, want cleared", *got.ErrorMessage)
	}
}

func TestProcessPhotoDecodeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, []byte("zero bytes or garbage"))

	task := processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	})

	// Below the attempt cap decode failures stay retryable.
	for run := 1; run <= 2; run++ {
		err := env.worker.HandleProcessPhoto(ctx, task)
		if err == nil || errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("run %d: err = %v, want retryable error", run, err)
		}
		got := env.mustGetPhoto(t, "p1")
		if got.Status != models.PhotoStatusPending || got.Attempts != run {
			t.Fatalf("run %d: status=%q attempts=%d", run, got.Status, got.Attempts)
		}
	}

	// At the cap the same failure is terminal.
	err := env.worker.HandleProcessPhoto(ctx, task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("final run: err = %v, want SkipRetry", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "decode failed" {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, "decode failed")
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
}

func TestProcessPhotoDropsMissingAndTombstoned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "ghost", AlbumID: "a1", OriginalKey: "raw/a1/ghost.jpg",
	}))
	if err != nil {
		t.Errorf("missing row should drop silently, got %v", err)
	}

	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	if _, _, err := env.store.SoftDeletePhoto(ctx, "p1"); err != nil {
		t.Fatalf("SoftDeletePhoto: %v", err)
	}
	err = env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Errorf("tombstoned row should drop silently, got %v", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, tombstoned row must not be claimed", got.Attempts)
	}
}

func TestProcessPhotoClaimLost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")

	// Another worker holds the claim.
	if claimed, err := env.store.ClaimPhoto(ctx, "p1", 0); err != nil || !claimed {
		t.Fatalf("setup claim: %v %v", claimed, err)
	}

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("lost claim should drop silently, got %v", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusProcessing || got.Attempts != 1 {
		t.Errorf("row must stay with the claim holder: status=%q attempts=%d", got.Status, got.Attempts)
	}
}

func TestProcessPhotoAlbumMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	photo := env.seedPhoto(t, "p1", "ghost-album")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "ghost-album", OriginalKey: photo.OriginalKey,
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "album missing" {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, "album missing")
	}
}

func TestProcessPhotoCommitsUnderAlbumTombstone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", database.Row{"deleted_at": time.Now().UTC()})
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("HandleProcessPhoto: %v", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted {
		t.Errorf("status = %q, want completed despite album tombstone", got.Status)
	}
}

func TestProcessPhotoStylesAndWatermark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", database.Row{
		"watermark_enabled": true,
		"watermark_type":    "text",
		"watermark_config":  `{"text":"© Studio","position":"bottom-right"}`,
		"color_grading":     `{"presets":["mono"]}`,
	})
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(640, 480)))

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("HandleProcessPhoto: %v", err)
	}

	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted {
		t.Fatalf("status = %q, want completed (error=%v)", got.Status, got.ErrorMessage)
	}
	wantStyle := "processed/styles/mono/a1/p1.jpg"
	if got.VariantKeys["mono"] != wantStyle {
		t.Errorf("variant_keys = %v, want mono -> %q", got.VariantKeys, wantStyle)
	}
	for _, key := range []string{*got.ThumbKey, *got.PreviewKey, wantStyle} {
		if ok, _ := env.objects.Exists(ctx, key); !ok {
			t.Errorf("object %s missing", key)
		}
	}
}

func TestProcessPhotoWatermarkAssetMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", database.Row{
		"watermark_enabled": true,
		"watermark_type":    "image",
		"watermark_config":  `{"imageKey":"assets/logo.png"}`,
	})
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))

	// The asset is absent; the photo still completes, unstamped.
	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err != nil {
		t.Fatalf("HandleProcessPhoto: %v", err)
	}
	if got := env.mustGetPhoto(t, "p1"); got.Status != models.PhotoStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestProcessPhotoWatermarkAssetTransient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", database.Row{
		"watermark_enabled": true,
		"watermark_type":    "image",
		"watermark_config":  `{"imageKey":"assets/logo.png"}`,
	})
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))
	env.putObject(t, "assets/logo.png", encodeTestJPEG(t, gradientImage(64, 32)))

	env.objects.Fail = func(op, key string) error {
		if op == "download" && key == "assets/logo.png" {
			return apperr.Transient.New("storage 503")
		}
		return nil
	}

	err := env.worker.HandleProcessPhoto(ctx, processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want retryable error", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "watermark unavailable" {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
}

func TestProcessPhotoUploadPartialFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAlbum(t, "a1", nil)
	photo := env.seedPhoto(t, "p1", "a1")
	env.putObject(t, photo.OriginalKey, encodeTestJPEG(t, gradientImage(320, 240)))

	previewKey := storage.PreviewKey("a1", "p1")
	env.objects.Fail = func(op, key string) error {
		if op == "upload" && key == previewKey {
			return apperr.Transient.New("storage 503")
		}
		return nil
	}

	task := processTask(t, queue.ProcessPhotoPayload{
		PhotoID: "p1", AlbumID: "a1", OriginalKey: photo.OriginalKey,
	})
	err := env.worker.HandleProcessPhoto(ctx, task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want retryable error", err)
	}

	// The thumb upload preceded the failure and stays behind as an
	// orphan under its deterministic key.
	if ok, _ := env.objects.Exists(ctx, storage.ThumbKey("a1", "p1")); !ok {
		t.Error("orphaned thumb should remain")
	}
	if ok, _ := env.objects.Exists(ctx, previewKey); ok {
		t.Error("preview must not exist after failed upload")
	}

	env.objects.Fail = nil
	if err := env.worker.HandleProcessPhoto(ctx, task); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	got := env.mustGetPhoto(t, "p1")
	if got.Status != models.PhotoStatusCompleted || got.Attempts != 2 {
		t.Errorf("status=%q attempts=%d, want completed after overwrite", got.Status, got.Attempts)
	}
	if ok, _ := env.objects.Exists(ctx, previewKey); !ok {
		t.Error("preview missing after successful retry")
	}
}

func TestProcessPhotoBadPayload(t *testing.T) {
	env := newTestEnv(t)
	err := env.worker.HandleProcessPhoto(context.Background(), asynq.NewTask(queue.TypeProcessPhoto, []byte("{nope")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
}

func purgeTask(t *testing.T, payload queue.PurgeCDNPayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TypePurgeCDN, data)
}

func TestHandlePurgeCDN(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true}`))
		}))
		defer srv.Close()
		env := newTestEnvWithCDN(t, cdn.Config{BaseURL: srv.URL, ZoneID: "z1", APIToken: "t1"})

		err := env.worker.HandlePurgeCDN(context.Background(), purgeTask(t, queue.PurgeCDNPayload{
			PhotoID: "p1",
			URLs:    []string{"https://cdn.example/a.jpg", "https://cdn.example/b.jpg"},
		}))
		if err != nil {
			t.Errorf("HandlePurgeCDN: %v", err)
		}
	})

	t.Run("cdn outage retries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer srv.Close()
		env := newTestEnvWithCDN(t, cdn.Config{BaseURL: srv.URL, ZoneID: "z1", APIToken: "t1"})

		err := env.worker.HandlePurgeCDN(context.Background(), purgeTask(t, queue.PurgeCDNPayload{
			URLs: []string{"https://cdn.example/a.jpg"},
		}))
		if err == nil {
			t.Fatal("expected error for failed purge")
		}
		if errors.Is(err, asynq.SkipRetry) {
			t.Errorf("purge outage must stay retryable, got %v", err)
		}
	})

	t.Run("unconfigured purger is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.worker.HandlePurgeCDN(context.Background(), purgeTask(t, queue.PurgeCDNPayload{
			URLs: []string{"https://cdn.example/a.jpg"},
		}))
		if err != nil {
			t.Errorf("HandlePurgeCDN: %v", err)
		}
	})

	t.Run("empty url list", func(t *testing.T) {
		env := newTestEnv(t)
		if err := env.worker.HandlePurgeCDN(context.Background(), purgeTask(t, queue.PurgeCDNPayload{})); err != nil {
			t.Errorf("HandlePurgeCDN: %v", err)
		}
	})
}

func TestHandleCleanupObject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.putObject(t, "raw/a1/p1.jpg", []byte("bytes"))

	cleanup := func(key string) error {
		data, err := json.Marshal(queue.CleanupObjectPayload{Key: key})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return env.worker.HandleCleanupObject(ctx, asynq.NewTask(queue.TypeCleanupObject, data))
	}

	if err := cleanup("raw/a1/p1.jpg"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if ok, _ := env.objects.Exists(ctx, "raw/a1/p1.jpg"); ok {
		t.Error("object should be deleted")
	}
	if err := cleanup("raw/a1/p1.jpg"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
	if err := cleanup(""); err != nil {
		t.Errorf("empty key: %v", err)
	}
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.ProcessPhotoPayload
	queued   map[string]bool
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{queued: make(map[string]bool)}
}

// EnqueueProcessPhoto mimics the task-id dedup of the real client:
// an id that is already queued returns (nil, nil).
func (f *fakeEnqueuer) EnqueueProcessPhoto(_ context.Context, p queue.ProcessPhotoPayload, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued[p.PhotoID] {
		return nil, nil
	}
	f.queued[p.PhotoID] = true
	f.payloads = append(f.payloads, p)
	return &asynq.TaskInfo{ID: p.PhotoID, Queue: queue.QueuePhotos}, nil
}

func newTestSweeper(t *testing.T, env *testEnv, fq *fakeEnqueuer, clock time.Time) *Sweeper {
	t.Helper()
	sw := NewSweeper(SweeperDeps{
		Config:  env.cfg,
		Store:   env.store,
		Storage: env.objects,
		Queue:   fq,
		Logger:  logger.Nop(),
		Metrics: env.met,
	})
	sw.now = func() time.Time { return clock }
	return sw
}

func seedPhotoRow(t *testing.T, db *memdb.Adapter, row database.Row) {
	t.Helper()
	if _, err := db.Insert(context.Background(), database.TablePhotos, row); err != nil {
		t.Fatalf("seed photo row: %v", err)
	}
}

func TestSweeperRecoversStaleProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seedPhotoRow(t, env.db, database.Row{
		"id": "stuck", "album_id": "a1", "original_key": "raw/a1/stuck.jpg",
		"status": "processing", "attempts": 1,
		"processing_started_at": clock.Add(-20 * time.Minute),
	})
	seedPhotoRow(t, env.db, database.Row{
		"id": "fresh", "album_id": "a1", "original_key": "raw/a1/fresh.jpg",
		"status": "processing", "attempts": 1,
		"processing_started_at": clock.Add(-5 * time.Minute),
	})
	seedPhotoRow(t, env.db, database.Row{
		"id": "idle", "album_id": "a1", "original_key": "raw/a1/idle.jpg",
		"status": "pending", "attempts": 0,
	})

	fq := newFakeEnqueuer()
	sw := newTestSweeper(t, env, fq, clock)
	stats := sw.Run(ctx)

	if stats.Stale != 1 {
		t.Fatalf("stale = %d, want 1", stats.Stale)
	}
	if len(fq.payloads) != 1 || fq.payloads[0].PhotoID != "stuck" {
		t.Fatalf("payloads = %+v, want one for stuck", fq.payloads)
	}
	if fq.payloads[0].OriginalKey != "raw/a1/stuck.jpg" {
		t.Errorf("original key = %q", fq.payloads[0].OriginalKey)
	}

	stuck := env.mustGetPhoto(t, "stuck")
	if stuck.Status != models.PhotoStatusPending {
		t.Errorf("stuck status = %q, want pending", stuck.Status)
	}
	if stuck.ErrorMessage == nil || *stuck.ErrorMessage != "processing interrupted" {
		t.Errorf("stuck error = %v", stuck.ErrorMessage)
	}
	if fresh := env.mustGetPhoto(t, "fresh"); fresh.Status != models.PhotoStatusProcessing {
		t.Errorf("fresh status = %q, want untouched processing", fresh.Status)
	}

	audits, err := env.db.FindMany(ctx, database.TableAuditLogs,
		database.Q().Where("action", store.ActionPhotoRecovered))
	if err != nil || len(audits) != 1 {
		t.Fatalf("audit rows = %d (%v), want 1", len(audits), err)
	}
	if audits[0].String("target_id") != "stuck" {
		t.Errorf("audit target = %q", audits[0].String("target_id"))
	}

	if got := sw.LastSweep(); !got.RanAt.Equal(clock) || got.Stale != 1 {
		t.Errorf("LastSweep = %+v", got)
	}
}

func TestSweeperEnqueueDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seedPhotoRow(t, env.db, database.Row{
		"id": "stuck", "album_id": "a1", "original_key": "raw/a1/stuck.jpg",
		"status": "processing", "attempts": 2,
		"processing_started_at": clock.Add(-time.Hour),
	})

	fq := newFakeEnqueuer()
	fq.queued["stuck"] = true // task already in flight
	sw := newTestSweeper(t, env, fq, clock)
	stats := sw.Run(ctx)

	if stats.Stale != 1 {
		t.Errorf("stale = %d, want 1 (dedup is not a failure)", stats.Stale)
	}
	if len(fq.payloads) != 0 {
		t.Errorf("payloads = %+v, want none", fq.payloads)
	}
	if got := env.mustGetPhoto(t, "stuck"); got.Status != models.PhotoStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestSweeperRequeuesMissingDerivatives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	env.putObject(t, "processed/thumbs/a1/ok.jpg", []byte("t"))
	env.putObject(t, "processed/previews/a1/ok.jpg", []byte("p"))
	seedPhotoRow(t, env.db, database.Row{
		"id": "ok", "album_id": "a1", "original_key": "raw/a1/ok.jpg",
		"status": "completed", "attempts": 1,
		"thumb_key":   "processed/thumbs/a1/ok.jpg",
		"preview_key": "processed/previews/a1/ok.jpg",
		"updated_at":  clock.Add(-10 * time.Minute),
	})

	// Thumb present, preview vanished.
	env.putObject(t, "processed/thumbs/a1/broken.jpg", []byte("t"))
	seedPhotoRow(t, env.db, database.Row{
		"id": "broken", "album_id": "a1", "original_key": "raw/a1/broken.jpg",
		"status": "completed", "attempts": 3,
		"thumb_key":   "processed/thumbs/a1/broken.jpg",
		"preview_key": "processed/previews/a1/broken.jpg",
		"updated_at":  clock.Add(-10 * time.Minute),
	})

	// Outside the recheck window; never touched.
	seedPhotoRow(t, env.db, database.Row{
		"id": "old", "album_id": "a1", "original_key": "raw/a1/old.jpg",
		"status": "completed", "attempts": 1,
		"thumb_key":   "processed/thumbs/a1/old.jpg",
		"preview_key": "processed/previews/a1/old.jpg",
		"updated_at":  clock.Add(-2 * time.Hour),
	})

	fq := newFakeEnqueuer()
	sw := newTestSweeper(t, env, fq, clock)
	stats := sw.Run(ctx)

	if stats.Rechecked != 2 {
		t.Errorf("rechecked = %d, want 2", stats.Rechecked)
	}
	if stats.Missing != 1 {
		t.Errorf("missing = %d, want 1", stats.Missing)
	}
	if len(fq.payloads) != 1 || fq.payloads[0].PhotoID != "broken" {
		t.Fatalf("payloads = %+v, want one for broken", fq.payloads)
	}
	if got := env.mustGetPhoto(t, "broken"); got.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", got.Attempts)
	}

	audits, err := env.db.FindMany(ctx, database.TableAuditLogs,
		database.Q().Where("action", store.ActionPhotoReprocessed))
	if err != nil || len(audits) != 1 {
		t.Fatalf("audit rows = %d (%v), want 1", len(audits), err)
	}
}
