package imaging

import "fmt"

// YUV420 is a planar I420 frame as delivered by the camera sensor path.
// Chroma planes are subsampled 2x in both directions.
type YUV420 struct {
	width   int
	height  int
	Y, U, V []uint8
}

// NewYUV420 validates plane sizes and wraps them.
func NewYUV420(width, height int, y, u, v []uint8) (*YUV420, error) {
	cw, ch := (width+1)/2, (height+1)/2
	if len(y) < width*height {
		return nil, fmt.Errorf("luma plane too small: %d < %d", len(y), width*height)
	}
	if len(u) < cw*ch || len(v) < cw*ch {
		return nil, fmt.Errorf("chroma planes too small for %dx%d", width, height)
	}
	return &YUV420{width: width, height: height, Y: y, U: u, V: v}, nil
}

func (f *YUV420) Width() int  { return f.width }
func (f *YUV420) Height() int { return f.height }

func (f *YUV420) Luma(x, y int) float32 {
	return float32(f.Y[y*f.width+x]) / 255
}

// RGB converts with full-range BT.601 coefficients.
func (f *YUV420) RGB(x, y int) RGB {
	cw := (f.width + 1) / 2
	ci := (y/2)*cw + x/2
	yy := float32(f.Y[y*f.width+x])
	u := float32(f.U[ci]) - 128
	v := float32(f.V[ci]) - 128
	return RGB{
		R: clamp01((yy + 1.402*v) / 255),
		G: clamp01((yy - 0.344136*u - 0.714136*v) / 255),
		B: clamp01((yy + 1.772*u) / 255),
	}
}

// YUVFromImage converts an RGB image into I420, mostly for tests and tooling.
func YUVFromImage(img *Image) *YUV420 {
	w, h := img.Width(), img.Height()
	cw, ch := (w+1)/2, (h+1)/2
	f := &YUV420{width: w, height: h, Y: make([]uint8, w*h), U: make([]uint8, cw*ch), V: make([]uint8, cw*ch)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGB(x, y)
			f.Y[y*w+x] = toByte(0.299*c.R + 0.587*c.G + 0.114*c.B)
		}
	}
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			c := img.RGB(min(cx*2, w-1), min(cy*2, h-1))
			l := 0.299*c.R + 0.587*c.G + 0.114*c.B
			f.U[cy*cw+cx] = toByte((c.B-l)/1.772 + 0.5)
			f.V[cy*cw+cx] = toByte((c.R-l)/1.402 + 0.5)
		}
	}
	return f
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toByte(v float32) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}
