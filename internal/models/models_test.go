package models

import (
	"testing"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/database"
)

func TestPhotoFromRowNativeValues(t *testing.T) {
	captured := time.Date(2025, 5, 20, 9, 30, 0, 0, time.UTC)
	row := database.Row{
		"id":            "p1",
		"album_id":      "a1",
		"filename":      "portrait.jpg",
		"original_key":  "raw/a1/p1.jpg",
		"thumb_key":     "processed/thumbs/a1/p1.jpg",
		"preview_key":   nil,
		"variant_keys":  `{"mono":"processed/styles/mono/a1/p1.jpg"}`,
		"blurhash":      "LEHV6nWB2yk8",
		"mime_type":     "image/jpeg",
		"file_size":     int64(482113),
		"width":         int32(1600),
		"height":        int32(1067),
		"rotation":      int32(90),
		"captured_at":   captured,
		"status":        "completed",
		"error_message": nil,
		"attempts":      int32(1),
		"deleted_at":    nil,
	}

	p := PhotoFromRow(row)

	if p.ID != "p1" || p.AlbumID != "a1" {
		t.Errorf("ids = %q, %q", p.ID, p.AlbumID)
	}
	if p.ThumbKey == nil || *p.ThumbKey != "processed/thumbs/a1/p1.jpg" {
		t.Errorf("ThumbKey = %v", p.ThumbKey)
	}
	if p.PreviewKey != nil {
		t.Errorf("PreviewKey = %v, want nil", p.PreviewKey)
	}
	if p.VariantKeys["mono"] != "processed/styles/mono/a1/p1.jpg" {
		t.Errorf("VariantKeys = %v", p.VariantKeys)
	}
	if p.Width != 1600 || p.Height != 1067 || p.Rotation != 90 {
		t.Errorf("dims = %dx%d rot %d", p.Width, p.Height, p.Rotation)
	}
	if p.CapturedAt == nil || !p.CapturedAt.Equal(captured) {
		t.Errorf("CapturedAt = %v", p.CapturedAt)
	}
	if p.Status != PhotoStatusCompleted {
		t.Errorf("Status = %q", p.Status)
	}
	if p.IsDeleted() {
		t.Error("IsDeleted = true")
	}
}

func TestPhotoFromRowJSONValues(t *testing.T) {
	// The supabase adapter yields JSON-decoded values: numbers as
	// float64, timestamps as strings.
	row := database.Row{
		"id":          "p1",
		"album_id":    "a1",
		"file_size":   float64(482113),
		"width":       float64(800),
		"captured_at": "2025-05-20T09:30:00Z",
		"status":      "pending",
	}
	p := PhotoFromRow(row)
	if p.FileSize != 482113 || p.Width != 800 {
		t.Errorf("numbers = %d, %d", p.FileSize, p.Width)
	}
	if p.CapturedAt == nil || p.CapturedAt.UTC().Hour() != 9 {
		t.Errorf("CapturedAt = %v", p.CapturedAt)
	}
}

func TestPhotoDerivativeKeys(t *testing.T) {
	thumb := "processed/thumbs/a/p.jpg"
	p := &Photo{
		ThumbKey:    &thumb,
		VariantKeys: map[string]string{"mono": "processed/styles/mono/a/p.jpg"},
	}
	keys := p.DerivativeKeys()
	if len(keys) != 2 {
		t.Fatalf("DerivativeKeys = %v", keys)
	}
	if (&Photo{}).DerivativeKeys() != nil {
		t.Error("empty photo should have no derivative keys")
	}
}

func TestVariantKeysRoundTrip(t *testing.T) {
	if EncodeVariantKeys(nil) != "" {
		t.Error("empty map should encode to empty string")
	}
	raw := EncodeVariantKeys(map[string]string{"sepia": "k1"})
	if decodeVariantKeys(raw)["sepia"] != "k1" {
		t.Errorf("round trip failed: %q", raw)
	}
	if decodeVariantKeys("not json") != nil {
		t.Error("malformed variant keys should decode to nil")
	}
}

func TestAlbumSettings(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := database.Row{
		"id":                "a1",
		"slug":              "wedding-2025",
		"title":             "Wedding",
		"allow_download":    true,
		"watermark_enabled": true,
		"watermark_type":    "text",
		"watermark_config":  `{"text":"© studio","position":"bottom-left","opacity":0.6}`,
		"color_grading":     `{"presets":["mono","warm"]}`,
		"expires_at":        expires,
		"upload_token":      "tok",
	}

	album := AlbumFromRow(row)
	s := album.Settings()

	if s.ID != "a1" || s.Slug != "wedding-2025" {
		t.Errorf("identity = %q, %q", s.ID, s.Slug)
	}
	if !s.WatermarkEnabled || s.WatermarkType != WatermarkText {
		t.Errorf("watermark = %v %q", s.WatermarkEnabled, s.WatermarkType)
	}
	if s.Watermark.Text != "© studio" || s.Watermark.Position != PositionBottomLeft {
		t.Errorf("watermark config = %+v", s.Watermark)
	}
	if s.Watermark.Opacity != 0.6 {
		t.Errorf("opacity = %v", s.Watermark.Opacity)
	}
	if len(s.GradingPresets) != 2 || s.GradingPresets[0] != "mono" {
		t.Errorf("presets = %v", s.GradingPresets)
	}
	if s.Deleted {
		t.Error("Deleted = true")
	}

	if album.IsExpired(expires.Add(time.Hour)) != true {
		t.Error("IsExpired after expiry = false")
	}
	if album.IsExpired(expires.Add(-time.Hour)) {
		t.Error("IsExpired before expiry = true")
	}
}

func TestParseWatermarkConfigDefaults(t *testing.T) {
	cfg := ParseWatermarkConfig("")
	if cfg.Position != PositionBottomRight {
		t.Errorf("default position = %q", cfg.Position)
	}
	if cfg.Opacity != 0.45 || cfg.FontSize != 28 {
		t.Errorf("defaults = %+v", cfg)
	}

	cfg = ParseWatermarkConfig(`{"opacity": 7}`)
	if cfg.Opacity != 0.45 {
		t.Errorf("out-of-range opacity not clamped: %v", cfg.Opacity)
	}

	cfg = ParseWatermarkConfig("{broken")
	if cfg.Position != PositionBottomRight {
		t.Errorf("malformed config position = %q", cfg.Position)
	}
}

func TestParseGradingPresets(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`{"presets":["mono"]}`, 1},
		{`["mono","sepia"]`, 2},
		{``, 0},
		{`{"presets":[]}`, 0},
		{`"mono"`, 0},
	}
	for _, tt := range tests {
		if got := len(ParseGradingPresets(tt.raw)); got != tt.want {
			t.Errorf("ParseGradingPresets(%q) len = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
