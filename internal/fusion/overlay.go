package fusion

import (
	"fmt"

	"github.com/chewxy/math32"

	"burstfuse/internal/align"
	"burstfuse/internal/imaging"
)

// CoefficientOfVariation is std/mean of the values, or 0 for a dark mean.
func CoefficientOfVariation(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	var sum float32
	for _, x := range v {
		sum += x
	}
	mean := sum / float32(len(v))
	if mean < 1e-4 {
		return 0
	}
	var ss float32
	for _, x := range v {
		d := x - mean
		ss += d * d
	}
	return math32.Sqrt(ss/float32(len(v))) / mean
}

// meanLuma estimates a frame's mean luminance on a sparse grid.
func meanLuma(src imaging.Source) float32 {
	w, h := src.Width(), src.Height()
	step := max(1, min(w, h)/64)
	var sum float32
	n := 0
	for y := step / 2; y < h; y += step {
		for x := step / 2; x < w; x += step {
			sum += src.Luma(x, y)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float32(n)
}

// OverlayInput is one of the three frames compared by QualityMap.
type OverlayInput struct {
	Source imaging.Source
	Field  *align.Field // nil for the reference
}

// QualityMap treats three aligned frames' luminances as the channels of an
// overlay and measures their coefficient of variation per reference pixel.
// Pixels whose spread exceeds threshold get weight threshold/cv. With
// bracketAware, each frame is first normalised by its mean luminance so
// deliberate exposure differences are not read as misalignment.
func QualityMap(frames [3]OverlayInput, threshold float32, bracketAware bool) *imaging.Gray {
	w, h := frames[0].Source.Width(), frames[0].Source.Height()
	var gain [3]float32
	for i, f := range frames {
		gain[i] = 1
		if bracketAware {
			if m := meanLuma(f.Source); m > 1e-4 {
				gain[i] = 1 / m
			}
		}
	}
	out := imaging.NewGray(w, h)
	lum := make([]float32, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for i, f := range frames {
				qx, qy := float32(x), float32(y)
				if f.Field != nil {
					dx, dy, _ := f.Field.Sample(qx, qy)
					qx, qy = qx+dx, qy+dy
				}
				lum[i] = imaging.SampleBilinear(f.Source, qx, qy).Luma() * gain[i]
			}
			cv := CoefficientOfVariation(lum)
			wt := float32(1)
			if cv > threshold {
				wt = threshold / cv
			}
			out.Set(x, y, wt)
		}
	}
	return out
}

// qualityMap picks the reference and its two nearest neighbours in input
// order as the overlay channels. The reference is read through Peek like
// every other reference access.
func (e *Engine) qualityMap(in Input, order []int) (*imaging.Gray, error) {
	pos := -1
	for i, fi := range order {
		if fi == in.Reference {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("reference frame %d is not in the merge set", in.Reference)
	}
	picks := make([]int, 0, 2)
	for d := 1; len(picks) < 2 && d < len(order); d++ {
		if pos-d >= 0 {
			picks = append(picks, order[pos-d])
		}
		if len(picks) < 2 && pos+d < len(order) {
			picks = append(picks, order[pos+d])
		}
	}
	ref, err := in.Arena.Peek(in.Reference)
	if err != nil {
		return nil, err
	}
	frames := [3]OverlayInput{{Source: ref.Source}}
	// the neighbours are owned for the duration of the map and handed back
	// pending for the merge
	for i, fi := range picks {
		f, err := in.Arena.Acquire(fi)
		if err != nil {
			return nil, err
		}
		defer in.Arena.Return(fi)
		var field *align.Field
		if fi < len(in.Fields) {
			field = in.Fields[fi]
		}
		frames[i+1] = OverlayInput{Source: f.Source, Field: field}
	}
	return QualityMap(frames, e.opts.QualityThreshold, e.opts.BracketAware), nil
}
