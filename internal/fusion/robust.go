package fusion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chewxy/math32"

	"burstfuse/internal/imaging"
)

// Method selects the robust combiner.
type Method int

const (
	MethodNone Method = iota
	MethodHuber
	MethodTukey
	MethodTrimmedMean
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodHuber:
		return "huber"
	case MethodTukey:
		return "tukey"
	case MethodTrimmedMean:
		return "trimmed_mean"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// ParseMethod accepts the names printed by String, case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "mean":
		return MethodNone, nil
	case "huber":
		return MethodHuber, nil
	case "tukey":
		return MethodTukey, nil
	case "trimmed_mean", "trimmed-mean", "trimmed":
		return MethodTrimmedMean, nil
	}
	return MethodNone, fmt.Errorf("unknown robustness method %q", s)
}

func (m Method) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// HuberWeight tapers linearly beyond k.
func HuberWeight(r, k float32) float32 {
	r = math32.Abs(r)
	if r <= k {
		return 1
	}
	return k / r
}

// TukeyWeight is the bi-weight, zero beyond k.
func TukeyWeight(r, k float32) float32 {
	if k <= 0 {
		return 0
	}
	u := r / k
	if math32.Abs(u) >= 1 {
		return 0
	}
	t := 1 - u*u
	return t * t
}

// Weight applies the method's weight function to a residual. Methods that
// do not down-weight individual samples return 1.
func (m Method) Weight(r, k float32) float32 {
	switch m {
	case MethodHuber:
		return HuberWeight(r, k)
	case MethodTukey:
		return TukeyWeight(r, k)
	default:
		return 1
	}
}

// ColorDistance is the Euclidean distance between two samples.
func ColorDistance(a, b imaging.RGB) float32 {
	dr, dg, db := a.R-b.R, a.G-b.G, a.B-b.B
	return math32.Sqrt(dr*dr + dg*dg + db*db)
}

const irlsIterations = 4

// Estimate combines samples with the given method. weights scale each
// sample's influence and may be nil. Huber and Tukey start from the
// per-channel median and run a few reweighting passes; if every sample is
// rejected the median is returned. Any N >= 1 is valid.
func Estimate(samples []imaging.RGB, weights []float32, m Method, threshold, trim float32) imaging.RGB {
	n := len(samples)
	if n == 0 {
		return imaging.RGB{}
	}
	if n == 1 {
		return samples[0]
	}
	w := func(i int) float32 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	switch m {
	case MethodTrimmedMean:
		return trimmedMean(samples, weights, trim)
	case MethodHuber, MethodTukey:
		est := median(samples)
		for it := 0; it < irlsIterations; it++ {
			var acc imaging.RGB
			var sum float32
			for i, s := range samples {
				wi := w(i) * m.Weight(ColorDistance(s, est), threshold)
				acc.R += s.R * wi
				acc.G += s.G * wi
				acc.B += s.B * wi
				sum += wi
			}
			if sum <= 1e-12 {
				return est
			}
			est = imaging.RGB{R: acc.R / sum, G: acc.G / sum, B: acc.B / sum}
		}
		return est
	default:
		return weightedMean(samples, weights)
	}
}

func weightedMean(samples []imaging.RGB, weights []float32) imaging.RGB {
	var acc imaging.RGB
	var sum float32
	for i, s := range samples {
		wi := float32(1)
		if weights != nil {
			wi = weights[i]
		}
		acc.R += s.R * wi
		acc.G += s.G * wi
		acc.B += s.B * wi
		sum += wi
	}
	if sum <= 1e-12 {
		return median(samples)
	}
	return imaging.RGB{R: acc.R / sum, G: acc.G / sum, B: acc.B / sum}
}

// trimmedMean drops floor(n*trim) samples from each end of the luminance
// ordering. At least one sample always survives.
func trimmedMean(samples []imaging.RGB, weights []float32, trim float32) imaging.RGB {
	n := len(samples)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return samples[idx[a]].Luma() < samples[idx[b]].Luma()
	})
	drop := int(float32(n) * trim)
	if 2*drop >= n {
		drop = (n - 1) / 2
	}
	kept := make([]imaging.RGB, 0, n-2*drop)
	var kw []float32
	if weights != nil {
		kw = make([]float32, 0, n-2*drop)
	}
	for _, i := range idx[drop : n-drop] {
		kept = append(kept, samples[i])
		if weights != nil {
			kw = append(kw, weights[i])
		}
	}
	return weightedMean(kept, kw)
}

func median(samples []imaging.RGB) imaging.RGB {
	n := len(samples)
	ch := make([]float32, n)
	pick := func(get func(imaging.RGB) float32) float32 {
		for i, s := range samples {
			ch[i] = get(s)
		}
		sort.Slice(ch, func(a, b int) bool { return ch[a] < ch[b] })
		if n%2 == 1 {
			return ch[n/2]
		}
		return 0.5 * (ch[n/2-1] + ch[n/2])
	}
	return imaging.RGB{
		R: pick(func(c imaging.RGB) float32 { return c.R }),
		G: pick(func(c imaging.RGB) float32 { return c.G }),
		B: pick(func(c imaging.RGB) float32 { return c.B }),
	}
}
