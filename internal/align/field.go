package align

import (
	"math"

	"burstfuse/internal/imaging"
	"burstfuse/internal/motion"
)

// Vector is the displacement of one tile: a point p in the reference frame
// is found at p + (DX,DY) in the target frame.
type Vector struct {
	DX, DY     float32
	Confidence float32
	// Refined is false when the tile kept its geometric-prior seed.
	Refined bool
}

// Field is a per-tile displacement grid between one target frame and the
// reference frame.
type Field struct {
	TileSize int
	TilesX   int
	TilesY   int
	Width    int
	Height   int
	Vectors  []Vector
}

// NewField allocates a zero field covering width x height.
func NewField(width, height, tileSize int) *Field {
	tx := (width + tileSize - 1) / tileSize
	ty := (height + tileSize - 1) / tileSize
	return &Field{
		TileSize: tileSize,
		TilesX:   tx,
		TilesY:   ty,
		Width:    width,
		Height:   height,
		Vectors:  make([]Vector, tx*ty),
	}
}

// FromHomography fills a field with the prior-only displacement of h at
// every tile centre.
func FromHomography(h motion.Homography, width, height, tileSize int) *Field {
	f := NewField(width, height, tileSize)
	inv := h.Inverse()
	for ty := 0; ty < f.TilesY; ty++ {
		for tx := 0; tx < f.TilesX; tx++ {
			cx, cy := f.center(tx, ty)
			dx, dy := seedAt(inv, cx, cy)
			f.Vectors[ty*f.TilesX+tx] = Vector{DX: dx, DY: dy, Confidence: 0.5}
		}
	}
	return f
}

func seedAt(inv motion.Homography, cx, cy float64) (float32, float32) {
	dx, dy := inv.TranslationAt(cx, cy)
	return float32(dx), float32(dy)
}

func (f *Field) center(tx, ty int) (float64, float64) {
	x0, y0 := tx*f.TileSize, ty*f.TileSize
	x1, y1 := min(x0+f.TileSize, f.Width), min(y0+f.TileSize, f.Height)
	return float64(x0+x1) / 2, float64(y0+y1) / 2
}

func (f *Field) At(tx, ty int) Vector {
	return f.Vectors[ty*f.TilesX+tx]
}

// Sample interpolates the displacement bilinearly between tile centres.
func (f *Field) Sample(x, y float32) (dx, dy, conf float32) {
	ts := float32(f.TileSize)
	gx := x/ts - 0.5
	gy := y/ts - 0.5
	x0 := int(math.Floor(float64(gx)))
	y0 := int(math.Floor(float64(gy)))
	wx := gx - float32(x0)
	wy := gy - float32(y0)
	get := func(tx, ty int) Vector {
		return f.Vectors[imaging.ClampInt(ty, 0, f.TilesY-1)*f.TilesX+imaging.ClampInt(tx, 0, f.TilesX-1)]
	}
	v00, v10 := get(x0, y0), get(x0+1, y0)
	v01, v11 := get(x0, y0+1), get(x0+1, y0+1)
	w00 := (1 - wx) * (1 - wy)
	w10 := wx * (1 - wy)
	w01 := (1 - wx) * wy
	w11 := wx * wy
	dx = v00.DX*w00 + v10.DX*w10 + v01.DX*w01 + v11.DX*w11
	dy = v00.DY*w00 + v10.DY*w10 + v01.DY*w01 + v11.DY*w11
	conf = v00.Confidence*w00 + v10.Confidence*w10 + v01.Confidence*w01 + v11.Confidence*w11
	return dx, dy, conf
}

// Mean is the average displacement over all tiles.
func (f *Field) Mean() (float64, float64) {
	if len(f.Vectors) == 0 {
		return 0, 0
	}
	var sx, sy float64
	for _, v := range f.Vectors {
		sx += float64(v.DX)
		sy += float64(v.DY)
	}
	n := float64(len(f.Vectors))
	return sx / n, sy / n
}

// MaxMagnitude is the largest tile displacement in pixels.
func (f *Field) MaxMagnitude() float64 {
	var m float64
	for _, v := range f.Vectors {
		m = max(m, math.Hypot(float64(v.DX), float64(v.DY)))
	}
	return m
}
