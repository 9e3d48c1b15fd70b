package imaging

import "fmt"

// RGB is a linear color sample with channels nominally in [0,1].
type RGB struct {
	R, G, B float32
}

// Luma returns the BT.601 luminance of the sample.
func (c RGB) Luma() float32 {
	return 0.299*c.R + 0.587*c.G + 0.114*c.B
}

// Lerp blends c towards o by t.
func (c RGB) Lerp(o RGB, t float32) RGB {
	return RGB{
		R: c.R + (o.R-c.R)*t,
		G: c.G + (o.G-c.G)*t,
		B: c.B + (o.B-c.B)*t,
	}
}

// Source is the common sampling interface shared by every frame layout.
// Coordinates are integer pixel positions; callers clamp before sampling.
type Source interface {
	Width() int
	Height() int
	Luma(x, y int) float32
	RGB(x, y int) RGB
}

// Image is an interleaved float32 RGB buffer.
type Image struct {
	width  int
	height int
	Pix    []float32
}

// NewImage allocates a zeroed image.
func NewImage(width, height int) *Image {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &Image{width: width, height: height, Pix: make([]float32, width*height*3)}
}

// WrapImage wraps an existing interleaved RGB slice without copying.
func WrapImage(width, height int, pix []float32) (*Image, error) {
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("pixel buffer has %d values, want %d for %dx%d", len(pix), width*height*3, width, height)
	}
	return &Image{width: width, height: height, Pix: pix}, nil
}

func (m *Image) Width() int  { return m.width }
func (m *Image) Height() int { return m.height }

// Empty reports whether the image has no pixels.
func (m *Image) Empty() bool { return m == nil || m.width == 0 || m.height == 0 }

func (m *Image) offset(x, y int) int { return (y*m.width + x) * 3 }

func (m *Image) RGB(x, y int) RGB {
	i := m.offset(x, y)
	return RGB{m.Pix[i], m.Pix[i+1], m.Pix[i+2]}
}

func (m *Image) Luma(x, y int) float32 {
	i := m.offset(x, y)
	return 0.299*m.Pix[i] + 0.587*m.Pix[i+1] + 0.114*m.Pix[i+2]
}

func (m *Image) Set(x, y int, c RGB) {
	i := m.offset(x, y)
	m.Pix[i] = c.R
	m.Pix[i+1] = c.G
	m.Pix[i+2] = c.B
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := &Image{width: m.width, height: m.height, Pix: make([]float32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// Crop copies the rectangle [x0,x1)x[y0,y1). The rectangle is clamped to the image.
func (m *Image) Crop(x0, y0, x1, y1 int) *Image {
	x0, x1 = clampInt(x0, 0, m.width), clampInt(x1, 0, m.width)
	y0, y1 = clampInt(y0, 0, m.height), clampInt(y1, 0, m.height)
	out := NewImage(max(0, x1-x0), max(0, y1-y0))
	for y := y0; y < y1; y++ {
		src := m.Pix[m.offset(x0, y):m.offset(x1, y)]
		copy(out.Pix[out.offset(0, y-y0):], src)
	}
	return out
}

// PadTo returns an image of at least width x height, replicating edge pixels.
// The original content stays anchored at the top-left corner.
func (m *Image) PadTo(width, height int) *Image {
	if m.width >= width && m.height >= height {
		return m
	}
	w, h := max(width, m.width), max(height, m.height)
	out := NewImage(w, h)
	for y := 0; y < h; y++ {
		sy := min(y, m.height-1)
		for x := 0; x < w; x++ {
			out.Set(x, y, m.RGB(min(x, m.width-1), sy))
		}
	}
	return out
}

// Clamp limits every channel to [0,1].
func (m *Image) Clamp() {
	for i, v := range m.Pix {
		if v < 0 {
			m.Pix[i] = 0
		} else if v > 1 {
			m.Pix[i] = 1
		}
	}
}

// Bytes is the approximate heap footprint of the pixel buffer.
func (m *Image) Bytes() int64 {
	if m == nil {
		return 0
	}
	return int64(len(m.Pix)) * 4
}

// Gray is a single-channel float32 plane, used for luminance work.
type Gray struct {
	width  int
	height int
	Pix    []float32
}

func NewGray(width, height int) *Gray {
	return &Gray{width: width, height: height, Pix: make([]float32, width*height)}
}

func (g *Gray) Width() int  { return g.width }
func (g *Gray) Height() int { return g.height }

func (g *Gray) At(x, y int) float32 { return g.Pix[y*g.width+x] }

func (g *Gray) Set(x, y int, v float32) { g.Pix[y*g.width+x] = v }

// AtClamped samples with edge replication.
func (g *Gray) AtClamped(x, y int) float32 {
	return g.Pix[clampInt(y, 0, g.height-1)*g.width+clampInt(x, 0, g.width-1)]
}

// LumaOf extracts the luminance plane of any source.
func LumaOf(src Source) *Gray {
	w, h := src.Width(), src.Height()
	g := NewGray(w, h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*w : (y+1)*w]
		for x := range row {
			row[x] = src.Luma(x, y)
		}
	}
	return g
}

// ToImage copies any source into an interleaved Image.
func ToImage(src Source) *Image {
	if img, ok := src.(*Image); ok {
		return img.Clone()
	}
	w, h := src.Width(), src.Height()
	out := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, src.RGB(x, y))
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt limits v to [lo,hi].
func ClampInt(v, lo, hi int) int { return clampInt(v, lo, hi) }
