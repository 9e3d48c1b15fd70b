package imaging

import (
	"github.com/chewxy/math32"
)

// LanczosRadius is the support of the resampling kernel in source pixels.
const LanczosRadius = 2

// LanczosWeight evaluates the Lanczos-a window at distance d.
func LanczosWeight(d, a float32) float32 {
	if d == 0 {
		return 1
	}
	if math32.Abs(d) >= a {
		return 0
	}
	pd := math32.Pi * d
	pda := pd / a
	return (math32.Sin(pd) / pd) * (math32.Sin(pda) / pda)
}

// GaussianWeight is exp(-d^2 / 2s^2).
func GaussianWeight(d, sigma float32) float32 {
	return math32.Exp(-(d * d) / (2 * sigma * sigma))
}

// Bilinear samples a gray plane at a fractional position with edge replication.
func (g *Gray) Bilinear(x, y float32) float32 {
	x0 := int(math32.Floor(x))
	y0 := int(math32.Floor(y))
	wx := x - float32(x0)
	wy := y - float32(y0)
	p00 := g.AtClamped(x0, y0)
	p10 := g.AtClamped(x0+1, y0)
	p01 := g.AtClamped(x0, y0+1)
	p11 := g.AtClamped(x0+1, y0+1)
	return p00*(1-wx)*(1-wy) + p10*wx*(1-wy) + p01*(1-wx)*wy + p11*wx*wy
}

// InBounds reports whether a fractional position lies inside the sampling area.
func InBounds(width, height int, x, y float32) bool {
	return x >= -0.5 && y >= -0.5 && x <= float32(width)-0.5 && y <= float32(height)-0.5
}

// SampleLanczos resamples any source at a fractional position with a
// normalised separable Lanczos-2 kernel. Integer positions return the
// source pixel exactly.
func SampleLanczos(src Source, x, y float32) RGB {
	w, h := src.Width(), src.Height()
	xi := math32.Floor(x)
	yi := math32.Floor(y)
	fx := x - xi
	fy := y - yi
	if fx == 0 && fy == 0 {
		return src.RGB(clampInt(int(xi), 0, w-1), clampInt(int(yi), 0, h-1))
	}

	var kx, ky [2 * LanczosRadius]float32
	for i := range kx {
		kx[i] = LanczosWeight(fx-float32(i-LanczosRadius+1), LanczosRadius)
		ky[i] = LanczosWeight(fy-float32(i-LanczosRadius+1), LanczosRadius)
	}

	var acc RGB
	var wsum float32
	for j := range ky {
		sy := clampInt(int(yi)+j-LanczosRadius+1, 0, h-1)
		for i := range kx {
			k := kx[i] * ky[j]
			if k == 0 {
				continue
			}
			sx := clampInt(int(xi)+i-LanczosRadius+1, 0, w-1)
			c := src.RGB(sx, sy)
			acc.R += c.R * k
			acc.G += c.G * k
			acc.B += c.B * k
			wsum += k
		}
	}
	if wsum == 0 {
		return src.RGB(clampInt(int(xi+0.5), 0, w-1), clampInt(int(yi+0.5), 0, h-1))
	}
	inv := 1 / wsum
	return RGB{acc.R * inv, acc.G * inv, acc.B * inv}
}

// SampleBilinear resamples an RGB source at a fractional position.
func SampleBilinear(src Source, x, y float32) RGB {
	w, h := src.Width(), src.Height()
	x0 := int(math32.Floor(x))
	y0 := int(math32.Floor(y))
	wx := x - float32(x0)
	wy := y - float32(y0)
	xa, xb := clampInt(x0, 0, w-1), clampInt(x0+1, 0, w-1)
	ya, yb := clampInt(y0, 0, h-1), clampInt(y0+1, 0, h-1)
	c00 := src.RGB(xa, ya)
	c10 := src.RGB(xb, ya)
	c01 := src.RGB(xa, yb)
	c11 := src.RGB(xb, yb)
	top := c00.Lerp(c10, wx)
	bot := c01.Lerp(c11, wx)
	return top.Lerp(bot, wy)
}

// Downsample2 halves a gray plane with a 2x2 box filter.
func Downsample2(g *Gray) *Gray {
	w, h := max(1, g.width/2), max(1, g.height/2)
	out := NewGray(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := x*2, y*2
			v := g.AtClamped(sx, sy) + g.AtClamped(sx+1, sy) + g.AtClamped(sx, sy+1) + g.AtClamped(sx+1, sy+1)
			out.Pix[y*w+x] = v * 0.25
		}
	}
	return out
}

// Pyramid returns levels finest first. Fewer levels are produced when the
// plane becomes smaller than minSize.
func Pyramid(g *Gray, levels, minSize int) []*Gray {
	out := []*Gray{g}
	for len(out) < levels {
		last := out[len(out)-1]
		if last.width/2 < minSize || last.height/2 < minSize {
			break
		}
		out = append(out, Downsample2(last))
	}
	return out
}

// Sobel returns the gradient magnitude at (x,y) with edge replication.
func (g *Gray) Sobel(x, y int) float32 {
	a := g.AtClamped(x-1, y-1)
	b := g.AtClamped(x, y-1)
	c := g.AtClamped(x+1, y-1)
	d := g.AtClamped(x-1, y)
	f := g.AtClamped(x+1, y)
	gg := g.AtClamped(x-1, y+1)
	h := g.AtClamped(x, y+1)
	i := g.AtClamped(x+1, y+1)
	gx := (c + 2*f + i) - (a + 2*d + gg)
	gy := (gg + 2*h + i) - (a + 2*b + c)
	return math32.Sqrt(gx*gx+gy*gy) / 8
}

// Laplacian is the 4-neighbour discrete Laplacian.
func (g *Gray) Laplacian(x, y int) float32 {
	return g.AtClamped(x-1, y) + g.AtClamped(x+1, y) + g.AtClamped(x, y-1) + g.AtClamped(x, y+1) - 4*g.AtClamped(x, y)
}

// HighPass subtracts a 3x3 box blur, isolating fine periodic structure.
func HighPass(g *Gray) *Gray {
	out := NewGray(g.width, g.height)
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			var s float32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					s += g.AtClamped(x+dx, y+dy)
				}
			}
			out.Pix[y*g.width+x] = g.Pix[y*g.width+x] - s/9
		}
	}
	return out
}
