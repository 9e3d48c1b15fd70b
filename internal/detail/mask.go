// Package detail classifies image tiles as detail-rich or smooth. The
// resulting mask steers where the super-resolution stage spends model time.
package detail

import (
	"fmt"
	"math"

	"burstfuse/internal/imaging"
)

// Options configures Compute.
type Options struct {
	TileSize int `json:"tile_size"`
	// Threshold is the mean gradient magnitude a tile needs to count as detail.
	Threshold float32 `json:"threshold"`
	// Dilate grows detail regions by this many tiles.
	Dilate int `json:"dilate"`
}

func DefaultOptions() Options {
	return Options{TileSize: 64, Threshold: 0.01, Dilate: 1}
}

// Mask is an immutable tile grid. Build it with Compute or NewMask.
type Mask struct {
	tileSize int
	tilesX   int
	tilesY   int
	flags    []bool
	mean     float64
}

// NewMask copies flags (row-major, tilesX*tilesY entries) into a mask.
func NewMask(tilesX, tilesY, tileSize int, flags []bool) (*Mask, error) {
	if tilesX <= 0 || tilesY <= 0 || tileSize <= 0 {
		return nil, fmt.Errorf("invalid mask geometry %dx%d tiles of %d", tilesX, tilesY, tileSize)
	}
	if len(flags) != tilesX*tilesY {
		return nil, fmt.Errorf("mask has %d flags, want %d", len(flags), tilesX*tilesY)
	}
	m := &Mask{tileSize: tileSize, tilesX: tilesX, tilesY: tilesY, flags: make([]bool, len(flags))}
	copy(m.flags, flags)
	return m, nil
}

func (m *Mask) TileSize() int { return m.tileSize }
func (m *Mask) TilesX() int   { return m.tilesX }
func (m *Mask) TilesY() int   { return m.tilesY }

// MeanMagnitude is the average gradient magnitude measured by Compute.
func (m *Mask) MeanMagnitude() float64 { return m.mean }

// Tile reports whether tile (tx,ty) is flagged. Out of range is false.
func (m *Mask) Tile(tx, ty int) bool {
	if tx < 0 || ty < 0 || tx >= m.tilesX || ty >= m.tilesY {
		return false
	}
	return m.flags[ty*m.tilesX+tx]
}

// At reports whether the pixel (x,y) of the image the mask was built for
// lies in a detail tile.
func (m *Mask) At(x, y int) bool {
	return m.Tile(x/m.tileSize, y/m.tileSize)
}

// Count is the number of flagged tiles.
func (m *Mask) Count() int {
	n := 0
	for _, f := range m.flags {
		if f {
			n++
		}
	}
	return n
}

// Fraction is the share of flagged tiles.
func (m *Mask) Fraction() float64 {
	if len(m.flags) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m.flags))
}

// Compute builds the mask from mean Sobel magnitude per tile.
func Compute(src imaging.Source, opts Options) *Mask {
	if opts.TileSize <= 0 {
		opts.TileSize = DefaultOptions().TileSize
	}
	luma := imaging.LumaOf(src)
	w, h := luma.Width(), luma.Height()
	ts := opts.TileSize
	tx, ty := (w+ts-1)/ts, (h+ts-1)/ts
	flags := make([]bool, tx*ty)
	var total float64
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			x0, y0 := i*ts, j*ts
			x1, y1 := min(x0+ts, w), min(y0+ts, h)
			var sum float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					v := float64(luma.Sobel(x, y))
					if math.IsNaN(v) || math.IsInf(v, 0) {
						continue
					}
					sum += v
				}
			}
			total += sum
			n := float64((x1 - x0) * (y1 - y0))
			flags[j*tx+i] = sum/n >= float64(opts.Threshold)
		}
	}
	if opts.Dilate > 0 {
		flags = dilate(flags, tx, ty, opts.Dilate)
	}
	return &Mask{tileSize: ts, tilesX: tx, tilesY: ty, flags: flags, mean: total / float64(max(1, w*h))}
}

func dilate(flags []bool, tx, ty, r int) []bool {
	out := make([]bool, len(flags))
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			if !flags[j*tx+i] {
				continue
			}
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					x, y := i+dx, j+dy
					if x >= 0 && y >= 0 && x < tx && y < ty {
						out[y*tx+x] = true
					}
				}
			}
		}
	}
	return out
}

// Resample maps the mask onto an image scale times larger, keeping the
// same tile grid.
func (m *Mask) Resample(scale int) *Mask {
	if scale <= 1 {
		return m
	}
	out, _ := NewMask(m.tilesX, m.tilesY, m.tileSize*scale, m.flags)
	out.mean = m.mean
	return out
}
