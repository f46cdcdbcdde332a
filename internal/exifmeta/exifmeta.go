// Package exifmeta extracts the EXIF fields the pipeline stores. Images
// with no EXIF block, or a corrupt one, yield an empty Meta; metadata
// problems never fail a processing run.
package exifmeta

import (
	"bytes"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
)

func init() {
	// Maker note parsers improve DateTime coverage on Canon and Nikon
	// bodies.
	exif.RegisterParsers(mknote.All...)
}

// Meta holds the extracted fields. Zero values mean the tag was absent.
type Meta struct {
	// CapturedAt is when the shutter fired, nil when EXIF has no
	// usable timestamp.
	CapturedAt *time.Time

	// Orientation is the raw EXIF value 1-8, 0 when absent.
	Orientation int

	CameraMake  string
	CameraModel string
}

// Extract reads EXIF metadata from raw image bytes. It never returns an
// error; whatever cannot be parsed is simply absent from the result.
func Extract(data []byte) Meta {
	var meta Meta
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return meta
	}

	if dt, err := x.DateTime(); err == nil {
		utc := dt.UTC()
		meta.CapturedAt = &utc
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if val, err := tag.Int(0); err == nil && val >= 1 && val <= 8 {
			meta.Orientation = val
		}
	}

	if tag, err := x.Get(exif.Make); err == nil {
		if val, err := tag.StringVal(); err == nil {
			meta.CameraMake = strings.TrimSpace(val)
		}
	}

	if tag, err := x.Get(exif.Model); err == nil {
		if val, err := tag.StringVal(); err == nil {
			meta.CameraModel = strings.TrimSpace(val)
		}
	}

	return meta
}

// RotationFromOrientation maps an EXIF orientation to the clockwise
// rotation stored on the photo row. Mirrored orientations map to the
// rotation of their unmirrored counterpart; the flip itself is applied
// to pixels, not recorded.
func RotationFromOrientation(orientation int) int {
	switch orientation {
	case 3, 4:
		return 180
	case 5, 6:
		return 90
	case 7, 8:
		return 270
	default:
		return 0
	}
}

// Camera returns a human-readable camera description for audit detail,
// with the make deduplicated out of the model string.
func (m Meta) Camera() string {
	model := m.CameraModel
	if m.CameraMake != "" && strings.HasPrefix(model, m.CameraMake) {
		model = strings.TrimSpace(strings.TrimPrefix(model, m.CameraMake))
	}
	switch {
	case m.CameraMake == "" && model == "":
		return ""
	case m.CameraMake == "":
		return model
	case model == "":
		return m.CameraMake
	default:
		return m.CameraMake + " " + model
	}
}
