package imaging

import (
	"image"
	"image/color"
)

// FromImage converts a decoded Go image into linear-ish float RGB in [0,1].
// No gamma transform is applied; the pipeline works in the capture's encoding.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	switch s := src.(type) {
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := s.Pix[y*s.Stride:]
			for x := 0; x < b.Dx(); x++ {
				out.Set(x, y, RGB{float32(row[x*4]) / 255, float32(row[x*4+1]) / 255, float32(row[x*4+2]) / 255})
			}
		}
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			row := s.Pix[y*s.Stride:]
			for x := 0; x < b.Dx(); x++ {
				out.Set(x, y, RGB{float32(row[x*4]) / 255, float32(row[x*4+1]) / 255, float32(row[x*4+2]) / 255})
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				r, g, bb, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(x, y, RGB{float32(r) / 0xffff, float32(g) / 0xffff, float32(bb) / 0xffff})
			}
		}
	}
	return out
}

// ToRGBA64 quantises to 16 bits per channel with opaque alpha.
func (m *Image) ToRGBA64() *image.RGBA64 {
	out := image.NewRGBA64(image.Rect(0, 0, m.width, m.height))
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			c := m.RGB(x, y)
			out.SetRGBA64(x, y, color.RGBA64{R: to16(c.R), G: to16(c.G), B: to16(c.B), A: 0xffff})
		}
	}
	return out
}

// FromRGBA64 is the inverse of ToRGBA64.
func FromRGBA64(src *image.RGBA64) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := src.RGBA64At(b.Min.X+x, b.Min.Y+y)
			out.Set(x, y, RGB{float32(c.R) / 0xffff, float32(c.G) / 0xffff, float32(c.B) / 0xffff})
		}
	}
	return out
}

func to16(v float32) uint16 {
	return uint16(clamp01(v)*0xffff + 0.5)
}
