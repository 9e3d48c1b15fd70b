package fusion

import (
	"math"

	"burstfuse/internal/imaging"
)

// Edge gate bounds for sharpening, in luminance gradient units.
const (
	EdgeThresholdLow  = 0.02
	EdgeThresholdHigh = 0.10
)

// boxStats holds per-channel integral images for O(1) window sums.
type boxStats struct {
	w, h    int
	sum, sq []float64
}

func newBoxStats(img *imaging.Image, ch int) *boxStats {
	w, h := img.Width(), img.Height()
	b := &boxStats{w: w, h: h, sum: make([]float64, (w+1)*(h+1)), sq: make([]float64, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		var rs, rq float64
		for x := 0; x < w; x++ {
			v := float64(img.Pix[(y*w+x)*3+ch])
			rs += v
			rq += v * v
			i := (y+1)*(w+1) + x + 1
			b.sum[i] = b.sum[i-(w+1)] + rs
			b.sq[i] = b.sq[i-(w+1)] + rq
		}
	}
	return b
}

// window returns mean and variance over the clamped square of radius r.
func (b *boxStats) window(x, y, r int) (float64, float64) {
	x0, y0 := max(0, x-r), max(0, y-r)
	x1, y1 := min(b.w, x+r+1), min(b.h, y+r+1)
	at := func(t []float64, xx, yy int) float64 { return t[yy*(b.w+1)+xx] }
	n := float64((x1 - x0) * (y1 - y0))
	s := at(b.sum, x1, y1) - at(b.sum, x0, y1) - at(b.sum, x1, y0) + at(b.sum, x0, y0)
	q := at(b.sq, x1, y1) - at(b.sq, x0, y1) - at(b.sq, x1, y0) + at(b.sq, x0, y0)
	mean := s / n
	return mean, math.Max(0, q/n-mean*mean)
}

// Wiener applies a local adaptive (Lee) filter per channel: each pixel is
// pulled towards its window mean by the ratio of signal to total variance.
func Wiener(img *imaging.Image, window int, noiseVar float32) *imaging.Image {
	r := max(1, window/2)
	out := imaging.NewImage(img.Width(), img.Height())
	nv := float64(noiseVar)
	for ch := 0; ch < 3; ch++ {
		b := newBoxStats(img, ch)
		for y := 0; y < img.Height(); y++ {
			for x := 0; x < img.Width(); x++ {
				i := (y*img.Width()+x)*3 + ch
				mean, v := b.window(x, y, r)
				gain := 0.0
				if v > 1e-6 {
					gain = math.Max(v-nv, 0) / v
				}
				out.Pix[i] = float32(mean + gain*(float64(img.Pix[i])-mean))
			}
		}
	}
	return out
}

// EdgeSharpen adds amount times the high-pass detail, gated by local
// gradient so flat regions keep their denoised look.
func EdgeSharpen(img *imaging.Image, amount float32) *imaging.Image {
	w, h := img.Width(), img.Height()
	luma := imaging.LumaOf(img)
	out := img.Clone()
	stats := [3]*boxStats{newBoxStats(img, 0), newBoxStats(img, 1), newBoxStats(img, 2)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gate := smoothstep(EdgeThresholdLow, EdgeThresholdHigh, luma.Sobel(x, y))
			if gate == 0 {
				continue
			}
			for ch := 0; ch < 3; ch++ {
				i := (y*w+x)*3 + ch
				mean, _ := stats[ch].window(x, y, 1)
				out.Pix[i] += amount * gate * (img.Pix[i] - float32(mean))
			}
		}
	}
	return out
}

func smoothstep(lo, hi, v float32) float32 {
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 1
	}
	t := (v - lo) / (hi - lo)
	return t * t * (3 - 2*t)
}

// FillGaps fills invalid pixels from their valid 8-neighbours weighted by
// inverse distance, repeating for up to passes rounds. valid is updated.
func FillGaps(img *imaging.Image, valid []bool, passes int) {
	w, h := img.Width(), img.Height()
	next := make([]bool, len(valid))
	for p := 0; p < passes; p++ {
		copy(next, valid)
		filled := 0
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				if valid[i] {
					continue
				}
				var acc imaging.RGB
				var sum float32
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := x+dx, y+dy
						if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h || !valid[ny*w+nx] {
							continue
						}
						wt := float32(1)
						if dx != 0 && dy != 0 {
							wt = 1 / math.Sqrt2
						}
						c := img.RGB(nx, ny)
						acc.R += c.R * wt
						acc.G += c.G * wt
						acc.B += c.B * wt
						sum += wt
					}
				}
				if sum == 0 {
					continue
				}
				img.Set(x, y, imaging.RGB{R: acc.R / sum, G: acc.G / sum, B: acc.B / sum})
				next[i] = true
				filled++
			}
		}
		copy(valid, next)
		if filled == 0 {
			return
		}
	}
}
