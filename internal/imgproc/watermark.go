// Watermark stamping. Text marks are rasterized from the bundled Go
// Regular face; image marks arrive as a decoded asset from storage.
// Placement values are tuned against the preview width and scaled for
// smaller outputs so the mark keeps its relative size everywhere.

package imgproc

import (
	"image"
	"image/color"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"github.com/JunyuZhan/pis-worker/internal/models"
)

// referenceWidth is the output width watermark sizes are expressed
// against.
const referenceWidth = PreviewMaxPx

var (
	wmFontOnce sync.Once
	wmFont     *sfnt.Font
	wmFontErr  error
)

// Watermark stamps a configured mark onto derivatives.
type Watermark struct {
	cfg   models.WatermarkConfig
	asset image.Image
}

// NewTextWatermark builds a text-mode watermark. Returns nil when the
// config has no text to draw.
func NewTextWatermark(cfg models.WatermarkConfig) *Watermark {
	if strings.TrimSpace(cfg.Text) == "" {
		return nil
	}
	return &Watermark{cfg: cfg}
}

// NewImageWatermark builds an image-mode watermark from a decoded
// asset. Returns nil when the asset is missing.
func NewImageWatermark(cfg models.WatermarkConfig, asset image.Image) *Watermark {
	if asset == nil {
		return nil
	}
	return &Watermark{cfg: cfg, asset: asset}
}

// stamp overlays the mark and returns a new image; the input is never
// mutated.
func (w *Watermark) stamp(img *image.NRGBA) (*image.NRGBA, error) {
	outW := img.Bounds().Dx()
	outH := img.Bounds().Dy()

	mark, err := w.render(outW)
	if err != nil {
		return nil, err
	}
	mb := mark.Bounds()
	if mb.Dx() >= outW || mb.Dy() >= outH {
		// Mark would swallow the image; tiny thumbs of vertical crops
		// can get here. Skip rather than stamp garbage.
		return img, nil
	}

	margin := scaleForWidth(w.cfg.Margin, outW, 4)
	at := anchor(outW, outH, mb.Dx(), mb.Dy(), margin, w.cfg.Position)
	return imaging.Overlay(img, mark, at, w.cfg.Opacity), nil
}

func (w *Watermark) render(outW int) (image.Image, error) {
	if w.asset != nil {
		markW := int(w.cfg.Scale * float64(outW))
		if markW < 1 {
			markW = 1
		}
		return imaging.Resize(w.asset, markW, 0, imaging.Lanczos), nil
	}
	size := float64(scaleForWidth(w.cfg.FontSize, outW, 8))
	return textLayer(strings.TrimSpace(w.cfg.Text), size)
}

// scaleForWidth converts a value expressed at referenceWidth to the
// actual output width.
func scaleForWidth(v, outW, floor int) int {
	scaled := v * outW / referenceWidth
	if scaled < floor {
		return floor
	}
	return scaled
}

func anchor(outW, outH, markW, markH, margin int, position string) image.Point {
	switch position {
	case models.PositionTopLeft:
		return image.Pt(margin, margin)
	case models.PositionTopRight:
		return image.Pt(outW-markW-margin, margin)
	case models.PositionBottomLeft:
		return image.Pt(margin, outH-markH-margin)
	case models.PositionCenter:
		return image.Pt((outW-markW)/2, (outH-markH)/2)
	default:
		return image.Pt(outW-markW-margin, outH-markH-margin)
	}
}

// textLayer rasterizes white text onto a transparent layer sized to the
// string.
func textLayer(text string, size float64) (*image.NRGBA, error) {
	wmFontOnce.Do(func() {
		wmFont, wmFontErr = opentype.Parse(goregular.TTF)
	})
	if wmFontErr != nil {
		return nil, wmFontErr
	}
	face, err := opentype.NewFace(wmFont, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, err
	}
	defer face.Close()

	drawer := &font.Drawer{Face: face}
	width := drawer.MeasureString(text).Ceil()
	if width < 1 {
		width = 1
	}
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil()
	if height < 1 {
		height = 1
	}

	layer := image.NewNRGBA(image.Rect(0, 0, width, height))
	drawer.Dst = layer
	drawer.Src = image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	drawer.Dot = fixed.Point26_6{X: 0, Y: fixed.I(metrics.Ascent.Ceil())}
	drawer.DrawString(text)
	return layer, nil
}
