// Package models defines the data structures shared by the stores, the
// processing pipeline and the control API. Each maps to one database
// table; the FromRow constructors absorb backend representation quirks
// so callers never touch raw rows.
package models

import (
	"encoding/json"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/database"
)

// Watermark types an album can configure.
const (
	WatermarkNone  = "none"
	WatermarkText  = "text"
	WatermarkImage = "image"
)

// Watermark positions accepted in watermark configs.
const (
	PositionTopLeft     = "top-left"
	PositionTopRight    = "top-right"
	PositionBottomLeft  = "bottom-left"
	PositionBottomRight = "bottom-right"
	PositionCenter      = "center"
)

// Album represents one client-facing gallery.
// Maps to the 'albums' table.
type Album struct {
	ID          string
	Slug        string
	Title       string
	Description *string

	// Visitor-facing policy
	IsPublic           bool
	AllowDownload      bool
	AllowBatchDownload bool
	AllowShare         bool
	ShowEXIF           bool
	Layout             string
	SortRule           string
	Password           *string
	ExpiresAt          *time.Time

	// Processing settings
	WatermarkEnabled bool
	WatermarkType    string
	WatermarkConfig  string // raw JSON, decoded on demand
	ColorGrading     string // raw JSON, decoded on demand

	// Derived counters
	CoverPhotoID  *string
	PhotoCount    int
	SelectedCount int
	ViewCount     int

	// UploadToken authenticates FTP sessions for this album.
	UploadToken string

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlbumFromRow builds an Album from a database row.
func AlbumFromRow(r database.Row) *Album {
	return &Album{
		ID:                 r.String("id"),
		Slug:               r.String("slug"),
		Title:              r.String("title"),
		Description:        r.StringPtr("description"),
		IsPublic:           r.Bool("is_public"),
		AllowDownload:      r.Bool("allow_download"),
		AllowBatchDownload: r.Bool("allow_batch_download"),
		AllowShare:         r.Bool("allow_share"),
		ShowEXIF:           r.Bool("show_exif"),
		Layout:             r.String("layout"),
		SortRule:           r.String("sort_rule"),
		Password:           r.StringPtr("password"),
		ExpiresAt:          r.TimePtr("expires_at"),
		WatermarkEnabled:   r.Bool("watermark_enabled"),
		WatermarkType:      r.String("watermark_type"),
		WatermarkConfig:    r.String("watermark_config"),
		ColorGrading:       r.String("color_grading"),
		CoverPhotoID:       r.StringPtr("cover_photo_id"),
		PhotoCount:         r.Int("photo_count"),
		SelectedCount:      r.Int("selected_count"),
		ViewCount:          r.Int("view_count"),
		UploadToken:        r.String("upload_token"),
		DeletedAt:          r.TimePtr("deleted_at"),
		CreatedAt:          r.Time("created_at"),
		UpdatedAt:          r.Time("updated_at"),
	}
}

// IsDeleted reports whether the album is tombstoned.
func (a *Album) IsDeleted() bool {
	return a.DeletedAt != nil
}

// IsExpired reports whether the album's expiry has passed.
func (a *Album) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Settings extracts the subset the pipeline caches per album.
func (a *Album) Settings() AlbumSettings {
	return AlbumSettings{
		ID:               a.ID,
		Slug:             a.Slug,
		AllowDownload:    a.AllowDownload,
		WatermarkEnabled: a.WatermarkEnabled,
		WatermarkType:    a.WatermarkType,
		Watermark:        ParseWatermarkConfig(a.WatermarkConfig),
		GradingPresets:   ParseGradingPresets(a.ColorGrading),
		ExpiresAt:        a.ExpiresAt,
		Deleted:          a.IsDeleted(),
	}
}

// AlbumSettings is the cached per-album view the pipeline reads on
// every photo. Kept small so cache entries stay cheap.
type AlbumSettings struct {
	ID               string
	Slug             string
	AllowDownload    bool
	WatermarkEnabled bool
	WatermarkType    string
	Watermark        WatermarkConfig
	GradingPresets   []string
	ExpiresAt        *time.Time
	Deleted          bool
}

// WatermarkConfig is the decoded watermark_config JSON. The web tier
// writes it, so field names are camelCase on the wire.
type WatermarkConfig struct {
	// Text watermark
	Text     string `json:"text,omitempty"`
	FontSize int    `json:"fontSize,omitempty"`

	// Image watermark
	ImageKey string  `json:"imageKey,omitempty"`
	Scale    float64 `json:"scale,omitempty"`

	// Shared placement
	Position string  `json:"position,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
	Margin   int     `json:"margin,omitempty"`
}

// ParseWatermarkConfig decodes raw watermark JSON, falling back to
// usable defaults for anything absent or malformed.
func ParseWatermarkConfig(raw string) WatermarkConfig {
	cfg := WatermarkConfig{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cfg)
	}
	if cfg.Position == "" {
		cfg.Position = PositionBottomRight
	}
	if cfg.Opacity <= 0 || cfg.Opacity > 1 {
		cfg.Opacity = 0.45
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = 28
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = 0.2
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 24
	}
	return cfg
}

// ParseGradingPresets decodes the color_grading JSON. Accepts either
// {"presets": ["mono", ...]} or a bare ["mono", ...] array; anything
// else yields no presets.
func ParseGradingPresets(raw string) []string {
	if raw == "" {
		return nil
	}
	var wrapped struct {
		Presets []string `json:"presets"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && len(wrapped.Presets) > 0 {
		return wrapped.Presets
	}
	var bare []string
	if err := json.Unmarshal([]byte(raw), &bare); err == nil {
		return bare
	}
	return nil
}
