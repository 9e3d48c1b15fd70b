package superres

import (
	"context"
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"

	"burstfuse/internal/imaging"
)

// Model is an external upscaler or enhancer with a fixed scale factor.
// Pixels are interleaved RGB in [0,1]. Run may block for an unbounded time
// and should honour ctx.
type Model interface {
	Name() string
	Scale() int
	// TileSize is the square input size the model expects. Zero accepts
	// any size.
	TileSize() int
	Run(ctx context.Context, pixels []float32, width, height int) ([]float32, int, int, error)
}

// Interpolation selects the cheap deterministic upscaler.
type Interpolation int

const (
	CatmullRom Interpolation = iota
	Bilinear
	Nearest
)

var interpolationNames = map[Interpolation]string{
	CatmullRom: "catmullrom",
	Bilinear:   "bilinear",
	Nearest:    "nearest",
}

func (k Interpolation) String() string {
	if s, ok := interpolationNames[k]; ok {
		return s
	}
	return fmt.Sprintf("interpolation(%d)", int(k))
}

func ParseInterpolation(s string) (Interpolation, error) {
	for k, name := range interpolationNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown interpolation %q", s)
}

func (k Interpolation) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Interpolation) UnmarshalText(b []byte) error {
	v, err := ParseInterpolation(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k Interpolation) interpolator() draw.Interpolator {
	switch k {
	case Bilinear:
		return draw.BiLinear
	case Nearest:
		return draw.NearestNeighbor
	default:
		return draw.CatmullRom
	}
}

// Resize scales img to width x height.
func Resize(img *imaging.Image, width, height int, k Interpolation) *imaging.Image {
	if img.Width() == width && img.Height() == height {
		return img.Clone()
	}
	src := img.ToRGBA64()
	dst := image.NewRGBA64(image.Rect(0, 0, width, height))
	k.interpolator().Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return imaging.FromRGBA64(dst)
}

// Interpolator is a Model backed by Resize. It is the pure-Go backend and
// the reference for tests.
type Interpolator struct {
	Factor int
	Kernel Interpolation
}

func (m Interpolator) Name() string  { return "interpolate-" + m.Kernel.String() }
func (m Interpolator) Scale() int    { return max(1, m.Factor) }
func (m Interpolator) TileSize() int { return 0 }

func (m Interpolator) Run(ctx context.Context, pixels []float32, width, height int) ([]float32, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	img, err := imaging.WrapImage(width, height, pixels)
	if err != nil {
		return nil, 0, 0, err
	}
	out := Resize(img, width*m.Scale(), height*m.Scale(), m.Kernel)
	return out.Pix, out.Width(), out.Height(), nil
}

// Sharpen is a scale-1 enhancement model: an unsharp mask over a 3x3 box.
type Sharpen struct {
	Amount float32
}

func (m Sharpen) Name() string  { return "sharpen" }
func (m Sharpen) Scale() int    { return 1 }
func (m Sharpen) TileSize() int { return 0 }

func (m Sharpen) Run(ctx context.Context, pixels []float32, width, height int) ([]float32, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	img, err := imaging.WrapImage(width, height, pixels)
	if err != nil {
		return nil, 0, 0, err
	}
	out := imaging.NewImage(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var blur imaging.RGB
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					c := img.RGB(imaging.ClampInt(x+dx, 0, width-1), imaging.ClampInt(y+dy, 0, height-1))
					blur.R += c.R
					blur.G += c.G
					blur.B += c.B
				}
			}
			c := img.RGB(x, y)
			out.Set(x, y, imaging.RGB{
				R: c.R + m.Amount*(c.R-blur.R/9),
				G: c.G + m.Amount*(c.G-blur.G/9),
				B: c.B + m.Amount*(c.B-blur.B/9),
			})
		}
	}
	out.Clamp()
	return out.Pix, width, height, nil
}
