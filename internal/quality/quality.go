// Package quality scores burst frames for sharpness and motion, picks the
// reference frame and judges whether the burst has enough sub-pixel
// diversity to benefit from fusion.
package quality

import (
	"math"
	"time"

	"burstfuse/internal/burst"
	"burstfuse/internal/imaging"
	"burstfuse/internal/motion"
)

// sharpnessWindow bounds the central sample window used for sharpness.
const sharpnessWindow = 512

// Score is the per-frame quality record.
type Score struct {
	Index     int     `json:"index"`
	Sharpness float64 `json:"sharpness"`
	Motion    float64 `json:"motion"`
}

// Sharpness is the variance of the discrete Laplacian over a central window
// of at most 512x512 luminance samples.
func Sharpness(src imaging.Source) float64 {
	w, h := src.Width(), src.Height()
	if w < 3 || h < 3 {
		return 0
	}
	ww, wh := min(w, sharpnessWindow), min(h, sharpnessWindow)
	x0, y0 := (w-ww)/2, (h-wh)/2
	luma := func(x, y int) float64 {
		return float64(src.Luma(imaging.ClampInt(x, 0, w-1), imaging.ClampInt(y, 0, h-1)))
	}
	var sum, sumSq float64
	n := 0
	for y := y0 + 1; y < y0+wh-1; y++ {
		for x := x0 + 1; x < x0+ww-1; x++ {
			l := luma(x-1, y) + luma(x+1, y) + luma(x, y-1) + luma(x, y+1) - 4*luma(x, y)
			sum += l
			sumSq += l * l
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// MotionMagnitude is the time-weighted rotational speed during the frame's
// motion window.
func MotionMagnitude(f *burst.Frame) float64 {
	return motion.AngularSpeed(f.Motion)
}

// ScoreFrames computes sharpness and motion for every frame.
func ScoreFrames(frames []*burst.Frame) []Score {
	out := make([]Score, len(frames))
	for i, f := range frames {
		out[i] = Score{Index: i, Sharpness: Sharpness(f.Source), Motion: MotionMagnitude(f)}
	}
	return out
}

// SelectReference returns the index with the lowest motion. Ties go to the
// sharper frame, then to the earlier one.
func SelectReference(scores []Score) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		a, b := scores[i], scores[best]
		switch {
		case a.Motion < b.Motion-1e-12:
			best = i
		case math.Abs(a.Motion-b.Motion) <= 1e-12 && a.Sharpness > b.Sharpness:
			best = i
		}
	}
	return best
}

// Advisory is a non-blocking quality hint for the caller.
type Advisory string

const (
	AdvisoryOK              Advisory = "ok"
	AdvisoryLowDiversity    Advisory = "low_diversity"
	AdvisoryExcessiveMotion Advisory = "excessive_motion"
)

// Hint returns a human readable suggestion for the advisory.
func (a Advisory) Hint() string {
	switch a {
	case AdvisoryLowDiversity:
		return "frames are nearly identical; a little natural hand motion improves detail recovery"
	case AdvisoryExcessiveMotion:
		return "too much motion between frames; hold the device steadier"
	default:
		return ""
	}
}

// Shift is an estimated displacement of one frame against the reference.
type Shift struct {
	DX, DY float64
}

func (s Shift) Norm() float64 { return math.Hypot(s.DX, s.DY) }

// ShiftsFromHomographies estimates each frame's displacement at the image
// centre from its prior homography.
func ShiftsFromHomographies(hs []motion.Homography, width, height int) []Shift {
	cx, cy := float64(width)/2, float64(height)/2
	out := make([]Shift, len(hs))
	for i, h := range hs {
		dx, dy := h.TranslationAt(cx, cy)
		out[i] = Shift{DX: dx, DY: dy}
	}
	return out
}

// DiversityOptions configures Assess.
type DiversityOptions struct {
	MinDiversity float64 // below this the burst is flagged as low diversity
	MaxShift     float64 // pixels; above this motion is flagged as excessive
}

func DefaultDiversityOptions() DiversityOptions {
	return DiversityOptions{MinDiversity: 0.25, MaxShift: 200}
}

// Report summarises burst diversity.
type Report struct {
	Diversity float64  `json:"diversity"`
	MeanShift float64  `json:"mean_shift"`
	MaxShift  float64  `json:"max_shift"`
	Advisory  Advisory `json:"advisory"`
}

const phaseBins = 4

// Diversity is the fraction of a 4x4 grid of sub-pixel phases occupied by
// the shifts. The reference itself contributes phase (0,0).
func Diversity(shifts []Shift) float64 {
	var occupied [phaseBins * phaseBins]bool
	occupied[0] = true
	for _, s := range shifts {
		fx := s.DX - math.Floor(s.DX)
		fy := s.DY - math.Floor(s.DY)
		bx := min(int(fx*phaseBins), phaseBins-1)
		by := min(int(fy*phaseBins), phaseBins-1)
		occupied[by*phaseBins+bx] = true
	}
	n := 0
	for _, o := range occupied {
		if o {
			n++
		}
	}
	return float64(n) / float64(len(occupied))
}

// Assess scores diversity and emits an advisory. It never fails.
func Assess(shifts []Shift, opts DiversityOptions) Report {
	r := Report{Diversity: Diversity(shifts), Advisory: AdvisoryOK}
	var sum float64
	for _, s := range shifts {
		n := s.Norm()
		sum += n
		r.MaxShift = max(r.MaxShift, n)
	}
	if len(shifts) > 0 {
		r.MeanShift = sum / float64(len(shifts))
	}
	switch {
	case opts.MaxShift > 0 && r.MaxShift > opts.MaxShift:
		r.Advisory = AdvisoryExcessiveMotion
	case r.Diversity < opts.MinDiversity:
		r.Advisory = AdvisoryLowDiversity
	}
	return r
}

// Delay bounds for adaptive capture timing.
const (
	MinFrameDelay = 10 * time.Millisecond
	MaxFrameDelay = 500 * time.Millisecond
)

// SuggestDelay proposes an inter-frame delay that moves the mean shift per
// frame into [lo,hi] pixels, assuming shift grows linearly with time.
func SuggestDelay(current time.Duration, meanShift, lo, hi float64) time.Duration {
	if current <= 0 {
		current = MinFrameDelay
	}
	target := (lo + hi) / 2
	var next time.Duration
	switch {
	case meanShift <= 1e-6:
		next = current * 2
	case meanShift < lo || meanShift > hi:
		next = time.Duration(float64(current) * target / meanShift)
	default:
		next = current
	}
	return min(max(next, MinFrameDelay), MaxFrameDelay)
}
