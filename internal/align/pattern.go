package align

import (
	"math"

	"burstfuse/internal/imaging"
)

// minPatternPeak is the normalised correlation a pattern match must reach.
const minPatternPeak = 0.3

// correlateTile aligns a tile by normalised cross-correlation of high-passed
// luminance around the seed, with parabolic interpolation of the peak.
// Scene content is suppressed by the high-pass so the embedded periodic
// pattern dominates on texture-less tiles.
func correlateTile(ref, tgt *imaging.Gray, r region, sdx, sdy float32, radius int) (Vector, bool) {
	cx := int(math.Round(float64(sdx)))
	cy := int(math.Round(float64(sdy)))
	size := 2*radius + 1
	scores := make([]float64, size*size)
	bestI, best := -1, -2.0
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			s := ncc(ref, tgt, r, cx+i-radius, cy+j-radius)
			scores[j*size+i] = s
			if s > best {
				best, bestI = s, j*size+i
			}
		}
	}
	if bestI < 0 || best < minPatternPeak {
		return Vector{}, false
	}
	bi, bj := bestI%size, bestI/size
	// the peak must be interior so a parabola can be fitted
	if bi == 0 || bj == 0 || bi == size-1 || bj == size-1 {
		return Vector{}, false
	}
	at := func(i, j int) float64 { return scores[j*size+i] }
	subX := parabolicPeak(at(bi-1, bj), at(bi, bj), at(bi+1, bj))
	subY := parabolicPeak(at(bi, bj-1), at(bi, bj), at(bi, bj+1))
	return Vector{
		DX:         float32(float64(cx+bi-radius) + subX),
		DY:         float32(float64(cy+bj-radius) + subY),
		Confidence: float32(min(1, best)),
		Refined:    true,
	}, true
}

// parabolicPeak returns the sub-sample offset of a maximum, clamped to ±0.5.
func parabolicPeak(l, c, r float64) float64 {
	den := l - 2*c + r
	if den >= 0 {
		return 0
	}
	off := 0.5 * (l - r) / den
	return max(-0.5, min(0.5, off))
}

func ncc(ref, tgt *imaging.Gray, r region, ox, oy int) float64 {
	var sa, sb, saa, sbb, sab float64
	n := 0
	for y := r.y0; y < r.y1; y++ {
		for x := r.x0; x < r.x1; x++ {
			a := float64(ref.At(x, y))
			b := float64(tgt.AtClamped(x+ox, y+oy))
			sa += a
			sb += b
			saa += a * a
			sbb += b * b
			sab += a * b
			n++
		}
	}
	if n == 0 {
		return 0
	}
	fn := float64(n)
	cov := sab - sa*sb/fn
	va := saa - sa*sa/fn
	vb := sbb - sb*sb/fn
	if va <= 1e-12 || vb <= 1e-12 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}
