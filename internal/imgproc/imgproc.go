// Package imgproc renders photo derivatives: thumbnail, preview, styled
// variants, and the blurhash placeholder. Pure-Go decoding keeps the
// worker deployable without a libvips toolchain; the trade is CPU time,
// which the queue absorbs.
package imgproc

import (
	"bytes"
	"image"

	"github.com/bbrks/go-blurhash"
	"github.com/disintegration/imaging"
)

// Derivative geometry and encode quality.
const (
	ThumbMaxPx     = 400
	ThumbQuality   = 78
	PreviewMaxPx   = 1600
	PreviewQuality = 85
)

// Blurhash parameters. 4x3 components, computed on a tiny copy; the
// placeholder does not need resolution.
const (
	blurhashMaxPx       = 64
	blurhashXComponents = 4
	blurhashYComponents = 3
)

// Result is one encoded derivative.
type Result struct {
	Data   []byte
	Width  int
	Height int
}

// Options selects what Render produces beyond thumb and preview.
type Options struct {
	// Presets names the styled variants to render; unknown names are
	// skipped and reported, never fatal.
	Presets []string

	// Watermark, when set, is stamped onto every encoded derivative.
	Watermark *Watermark

	// Geometry and quality overrides; zero values use the package
	// defaults.
	ThumbMaxPx     int
	PreviewMaxPx   int
	ThumbQuality   int
	PreviewQuality int
}

func (o Options) withDefaults() Options {
	if o.ThumbMaxPx <= 0 {
		o.ThumbMaxPx = ThumbMaxPx
	}
	if o.PreviewMaxPx <= 0 {
		o.PreviewMaxPx = PreviewMaxPx
	}
	if o.ThumbQuality <= 0 {
		o.ThumbQuality = ThumbQuality
	}
	if o.PreviewQuality <= 0 {
		o.PreviewQuality = PreviewQuality
	}
	return o
}

// Derivatives is the full output of one pipeline render.
type Derivatives struct {
	// Width and Height are the oriented full-image dimensions.
	Width  int
	Height int

	Thumb   Result
	Preview Result
	Styles  map[string]Result

	// SkippedPresets lists requested style names nothing could render.
	SkippedPresets []string

	// Blurhash is empty when encoding failed; the column is nullable.
	Blurhash string
}

// Decode parses raw image bytes. Any error here means the bytes are not
// a usable image; callers own the retry policy.
func Decode(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

// Orient applies the pixel transform an EXIF orientation calls for.
// Values outside 2-8 return the image untouched.
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Render produces every derivative from an already-oriented image.
func Render(oriented image.Image, opts Options) (*Derivatives, error) {
	opts = opts.withDefaults()
	bounds := oriented.Bounds()
	d := &Derivatives{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Styles: make(map[string]Result),
	}

	thumb := fitDown(oriented, opts.ThumbMaxPx)
	preview := fitDown(oriented, opts.PreviewMaxPx)

	// Blurhash comes from the unwatermarked thumb; a placeholder of the
	// watermark would look wrong at gallery load.
	if hash, err := Blurhash(thumb); err == nil {
		d.Blurhash = hash
	}

	stampedThumb, err := stampIfSet(thumb, opts.Watermark)
	if err != nil {
		return nil, err
	}
	if d.Thumb, err = encodeJPEG(stampedThumb, opts.ThumbQuality); err != nil {
		return nil, err
	}

	stampedPreview, err := stampIfSet(preview, opts.Watermark)
	if err != nil {
		return nil, err
	}
	if d.Preview, err = encodeJPEG(stampedPreview, opts.PreviewQuality); err != nil {
		return nil, err
	}

	// Styles start from the unstamped preview so the watermark sits on
	// top of the grade, not under it.
	for _, preset := range opts.Presets {
		styled, ok := applyStyle(preview, preset)
		if !ok {
			d.SkippedPresets = append(d.SkippedPresets, preset)
			continue
		}
		stamped, err := stampIfSet(styled, opts.Watermark)
		if err != nil {
			return nil, err
		}
		encoded, err := encodeJPEG(stamped, opts.PreviewQuality)
		if err != nil {
			return nil, err
		}
		d.Styles[preset] = encoded
	}

	return d, nil
}

// Blurhash encodes the compact placeholder string for an image.
func Blurhash(img image.Image) (string, error) {
	small := fitDown(img, blurhashMaxPx)
	return blurhash.Encode(blurhashXComponents, blurhashYComponents, small)
}

// fitDown caps the longest edge at maxPx without ever upscaling.
func fitDown(img image.Image, maxPx int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() <= maxPx && b.Dy() <= maxPx {
		return imaging.Clone(img)
	}
	return imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)
}

func stampIfSet(img *image.NRGBA, wm *Watermark) (*image.NRGBA, error) {
	if wm == nil {
		return img, nil
	}
	return wm.stamp(img)
}

func encodeJPEG(img image.Image, quality int) (Result, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Result{}, err
	}
	b := img.Bounds()
	return Result{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
