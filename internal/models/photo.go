package models

import (
	"encoding/json"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/database"
)

// PhotoStatus represents the processing status of a photo.
type PhotoStatus string

const (
	PhotoStatusPending    PhotoStatus = "pending"
	PhotoStatusProcessing PhotoStatus = "processing"
	PhotoStatusCompleted  PhotoStatus = "completed"
	PhotoStatusFailed     PhotoStatus = "failed"
)

// Photo represents one uploaded image and its derivatives.
// Maps to the 'photos' table.
type Photo struct {
	ID       string
	AlbumID  string
	Filename string

	// Storage keys
	OriginalKey string
	ThumbKey    *string
	PreviewKey  *string
	VariantKeys map[string]string // preset name -> storage key

	// Derived visual data
	Blurhash   *string
	Width      int
	Height     int
	Rotation   int
	CapturedAt *time.Time

	MimeType  string
	FileSize  int64
	SortOrder int

	// Processing state
	Status              PhotoStatus
	ErrorMessage        *string
	Attempts            int
	ProcessingStartedAt *time.Time

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PhotoFromRow builds a Photo from a database row.
func PhotoFromRow(r database.Row) *Photo {
	return &Photo{
		ID:                  r.String("id"),
		AlbumID:             r.String("album_id"),
		Filename:            r.String("filename"),
		OriginalKey:         r.String("original_key"),
		ThumbKey:            r.StringPtr("thumb_key"),
		PreviewKey:          r.StringPtr("preview_key"),
		VariantKeys:         decodeVariantKeys(r.String("variant_keys")),
		Blurhash:            r.StringPtr("blurhash"),
		Width:               r.Int("width"),
		Height:              r.Int("height"),
		Rotation:            r.Int("rotation"),
		CapturedAt:          r.TimePtr("captured_at"),
		MimeType:            r.String("mime_type"),
		FileSize:            r.Int64("file_size"),
		SortOrder:           r.Int("sort_order"),
		Status:              PhotoStatus(r.String("status")),
		ErrorMessage:        r.StringPtr("error_message"),
		Attempts:            r.Int("attempts"),
		ProcessingStartedAt: r.TimePtr("processing_started_at"),
		DeletedAt:           r.TimePtr("deleted_at"),
		CreatedAt:           r.Time("created_at"),
		UpdatedAt:           r.Time("updated_at"),
	}
}

// IsDeleted reports whether the photo is tombstoned.
func (p *Photo) IsDeleted() bool {
	return p.DeletedAt != nil
}

// InsertRow builds the row for inserting a freshly ingested photo.
// Processing fields start at their pending defaults.
func (p *Photo) InsertRow() database.Row {
	row := database.Row{
		"id":           p.ID,
		"album_id":     p.AlbumID,
		"filename":     p.Filename,
		"original_key": p.OriginalKey,
		"mime_type":    p.MimeType,
		"file_size":    p.FileSize,
		"sort_order":   p.SortOrder,
		"status":       string(PhotoStatusPending),
		"attempts":     0,
	}
	if p.CapturedAt != nil {
		row["captured_at"] = *p.CapturedAt
	}
	return row
}

// DerivativeKeys returns every processed object key the photo owns.
// The original is excluded; deletion keeps originals recoverable.
func (p *Photo) DerivativeKeys() []string {
	var keys []string
	if p.ThumbKey != nil && *p.ThumbKey != "" {
		keys = append(keys, *p.ThumbKey)
	}
	if p.PreviewKey != nil && *p.PreviewKey != "" {
		keys = append(keys, *p.PreviewKey)
	}
	for _, k := range p.VariantKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// EncodeVariantKeys serializes a variant key map for the TEXT column.
// Returns "" for an empty map so the column stays NULL.
func EncodeVariantKeys(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeVariantKeys(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
