// Package magick provides a super-resolution Model backed by ImageMagick's
// resampling filters.
package magick

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// Model resizes tiles with a MagickWand. It is deterministic and needs no
// weights, so it stands in for a neural upscaler when none is configured.
type Model struct {
	Factor int
	Filter imagick.FilterType
	// Unsharp applies an unsharp mask with this amount after resizing.
	Unsharp float64
}

// New returns a Lanczos model for factor.
func New(factor int) *Model {
	initOnce.Do(imagick.Initialize)
	return &Model{Factor: factor, Filter: imagick.FILTER_LANCZOS, Unsharp: 0.6}
}

func (m *Model) Name() string  { return fmt.Sprintf("magick-x%d", m.Factor) }
func (m *Model) Scale() int    { return max(1, m.Factor) }
func (m *Model) TileSize() int { return 0 }

func (m *Model) Run(ctx context.Context, pixels []float32, width, height int) ([]float32, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	if len(pixels) != width*height*3 {
		return nil, 0, 0, fmt.Errorf("pixel buffer has %d values for %dx%d", len(pixels), width, height)
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(width), uint(height), "RGB", imagick.PIXEL_FLOAT, pixels); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to load tile into wand: %w", err)
	}
	ow, oh := width*m.Scale(), height*m.Scale()
	if m.Scale() > 1 {
		if err := mw.ResizeImage(uint(ow), uint(oh), m.Filter); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to resize tile: %w", err)
		}
	}
	if m.Unsharp > 0 {
		if err := mw.UnsharpMaskImage(0, 1, m.Unsharp, 0.02); err != nil {
			return nil, 0, 0, fmt.Errorf("failed to sharpen tile: %w", err)
		}
	}
	out, err := mw.ExportImagePixels(0, 0, uint(ow), uint(oh), "RGB", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to export tile: %w", err)
	}
	pix, ok := out.([]float32)
	if !ok {
		return nil, 0, 0, fmt.Errorf("unexpected pixel type %T", out)
	}
	return pix, ow, oh, nil
}
