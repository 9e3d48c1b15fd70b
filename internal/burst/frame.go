package burst

import (
	"errors"
	"fmt"

	"burstfuse/internal/imaging"
)

// MotionSample is one gyroscope reading. Timestamps share the frame clock.
type MotionSample struct {
	Timestamp int64 // ns, monotonic
	X, Y, Z   float64
}

// Frame is one captured image plus capture metadata.
type Frame struct {
	Index     int
	Timestamp int64 // ns, monotonic
	Source    imaging.Source
	// Motion holds samples bracketing the exposure window, oldest first.
	Motion []MotionSample
	// Pattern marks frames captured with an embedded alignment pattern.
	Pattern bool
}

func (f *Frame) Width() int  { return f.Source.Width() }
func (f *Frame) Height() int { return f.Source.Height() }

// Bytes estimates the frame's pixel footprint.
func (f *Frame) Bytes() int64 {
	switch s := f.Source.(type) {
	case *imaging.Image:
		return s.Bytes()
	case *imaging.YUV420:
		return int64(len(s.Y) + len(s.U) + len(s.V))
	default:
		return int64(f.Source.Width()*f.Source.Height()) * 12
	}
}

var (
	// ErrNoFrames is returned when a burst carries no frames.
	ErrNoFrames = errors.New("burst has no frames")
	// ErrSizeMismatch is returned when frames disagree on dimensions.
	ErrSizeMismatch = errors.New("frames have mismatched dimensions")
)

// Validate checks that the burst is non-empty, every frame carries pixels
// and all frames share one size.
func Validate(frames []*Frame) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	for i, f := range frames {
		if f == nil || f.Source == nil {
			return fmt.Errorf("frame %d has no pixel data", i)
		}
		if f.Width() <= 0 || f.Height() <= 0 {
			return fmt.Errorf("frame %d has empty dimensions", i)
		}
	}
	w, h := frames[0].Width(), frames[0].Height()
	for i, f := range frames[1:] {
		if f.Width() != w || f.Height() != h {
			return fmt.Errorf("%w: frame %d is %dx%d, frame 0 is %dx%d", ErrSizeMismatch, i+1, f.Width(), f.Height(), w, h)
		}
	}
	return nil
}
