package storage

import (
	"fmt"
	"strings"
)

// Object key layout. Keys are deterministic so reprocessing a photo
// overwrites its previous derivatives in place:
//
//	raw/<albumID>/<photoID>.<ext>                     original upload
//	processed/thumbs/<albumID>/<photoID>.jpg          thumbnail
//	processed/previews/<albumID>/<photoID>.jpg        preview
//	processed/styles/<preset>/<albumID>/<photoID>.jpg stylized variant

// RawKey builds the key for an original upload. ext may carry a
// leading dot and any case; it is normalized.
func RawKey(albumID, photoID, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("raw/%s/%s.%s", albumID, photoID, ext)
}

// ThumbKey builds the key for a photo's thumbnail.
func ThumbKey(albumID, photoID string) string {
	return fmt.Sprintf("processed/thumbs/%s/%s.jpg", albumID, photoID)
}

// PreviewKey builds the key for a photo's preview.
func PreviewKey(albumID, photoID string) string {
	return fmt.Sprintf("processed/previews/%s/%s.jpg", albumID, photoID)
}

// StyleKey builds the key for a stylized variant.
func StyleKey(preset, albumID, photoID string) string {
	return fmt.Sprintf("processed/styles/%s/%s/%s.jpg", preset, albumID, photoID)
}
