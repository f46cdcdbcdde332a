// Color grading presets. Each is a fixed chain of adjustments; the web
// tier stores preset names per album and the pipeline renders whatever
// it recognizes.

package imgproc

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Preset names accepted in album color grading configs.
const (
	StyleMono  = "mono"
	StyleSepia = "sepia"
	StyleWarm  = "warm"
	StyleCool  = "cool"
	StyleFade  = "fade"
	StyleVivid = "vivid"
)

// StyleNames lists every known preset in render order.
func StyleNames() []string {
	return []string{StyleMono, StyleSepia, StyleWarm, StyleCool, StyleFade, StyleVivid}
}

// KnownStyle reports whether a preset name can be rendered.
func KnownStyle(name string) bool {
	_, ok := applyStyle(image.NewNRGBA(image.Rect(0, 0, 1, 1)), name)
	return ok
}

func applyStyle(img image.Image, name string) (*image.NRGBA, bool) {
	switch name {
	case StyleMono:
		return imaging.AdjustContrast(imaging.Grayscale(img), 8), true
	case StyleSepia:
		return sepia(img), true
	case StyleWarm:
		return shiftTemperature(img, 14), true
	case StyleCool:
		return shiftTemperature(img, -14), true
	case StyleFade:
		faded := imaging.AdjustContrast(img, -15)
		faded = imaging.AdjustSaturation(faded, -25)
		return imaging.AdjustBrightness(faded, 5), true
	case StyleVivid:
		return imaging.AdjustContrast(imaging.AdjustSaturation(img, 30), 10), true
	default:
		return nil, false
	}
}

// sepia applies the classic luminance-weighted tint matrix.
func sepia(img image.Image) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		r := float64(c.R)
		g := float64(c.G)
		b := float64(c.B)
		return color.NRGBA{
			R: clampU8(0.393*r + 0.769*g + 0.189*b),
			G: clampU8(0.349*r + 0.686*g + 0.168*b),
			B: clampU8(0.272*r + 0.534*g + 0.131*b),
			A: c.A,
		}
	})
}

// shiftTemperature warms (positive) or cools (negative) by trading red
// against blue.
func shiftTemperature(img image.Image, delta int) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: clampU8(float64(int(c.R) + delta)),
			G: c.G,
			B: clampU8(float64(int(c.B) - delta)),
			A: c.A,
		}
	})
}

func clampU8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}
