package detail

import (
	"image"
	"io"

	"github.com/fogleman/gg"
)

// RenderOverlay draws the mask over a base image: detail tiles get a
// translucent tint and an outline.
func RenderOverlay(base image.Image, m *Mask) image.Image {
	dc := gg.NewContextForImage(base)
	ts := float64(m.tileSize)
	dc.SetLineWidth(1)
	for ty := 0; ty < m.tilesY; ty++ {
		for tx := 0; tx < m.tilesX; tx++ {
			if !m.Tile(tx, ty) {
				continue
			}
			x, y := float64(tx)*ts, float64(ty)*ts
			dc.DrawRectangle(x, y, ts, ts)
			dc.SetRGBA(1, 0.3, 0, 0.25)
			dc.FillPreserve()
			dc.SetRGBA(1, 0.3, 0, 0.8)
			dc.Stroke()
		}
	}
	return dc.Image()
}

// WriteOverlay renders the overlay and writes it as PNG.
func WriteOverlay(w io.Writer, base image.Image, m *Mask) error {
	dc := gg.NewContextForImage(RenderOverlay(base, m))
	return dc.EncodePNG(w)
}
