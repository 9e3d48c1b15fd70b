package burst

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bmharper/ringbuffer"
)

// DefaultGyroCapacity keeps roughly ten seconds of samples at 200 Hz.
const DefaultGyroCapacity = 2048

// GyroBuffer is a rolling, time-ordered window of motion samples.
// The oldest samples are discarded once capacity is reached.
type GyroBuffer struct {
	mu       sync.Mutex
	ring     ringbuffer.RingP[MotionSample]
	capacity int
	last     int64
	n        int
}

// NewGyroBuffer holds exactly capacity samples. The ring underneath is sized
// to the next power of two above capacity.
func NewGyroBuffer(capacity int) *GyroBuffer {
	if capacity <= 0 {
		capacity = DefaultGyroCapacity
	}
	size := 1 << bits.Len(uint(capacity))
	return &GyroBuffer{ring: ringbuffer.NewRingP[MotionSample](size), capacity: capacity}
}

func (g *GyroBuffer) Capacity() int { return g.capacity }

// Add appends a sample. Samples older than the newest one are rejected.
func (g *GyroBuffer) Add(s MotionSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n > 0 && s.Timestamp < g.last {
		return fmt.Errorf("motion sample at %d precedes newest sample at %d", s.Timestamp, g.last)
	}
	for g.ring.Len() >= g.capacity {
		g.ring.Next()
	}
	g.ring.Add(s)
	g.last = s.Timestamp
	g.n++
	return nil
}

func (g *GyroBuffer) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ring.Len()
}

// Snapshot copies the window, oldest first.
func (g *GyroBuffer) Snapshot() []MotionSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MotionSample, g.ring.Len())
	for i := range out {
		out[i] = g.ring.Peek(i)
	}
	return out
}

// Between returns samples covering [t0,t1], including the nearest sample on
// each side so integration can interpolate the interval edges.
func (g *GyroBuffer) Between(t0, t1 int64) []MotionSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.ring.Len()
	first, last := -1, -1
	for i := 0; i < n; i++ {
		ts := g.ring.Peek(i).Timestamp
		if ts <= t0 {
			first = i
		}
		if ts >= t1 && last < 0 {
			last = i
		}
	}
	if first < 0 {
		first = 0
	}
	if last < 0 {
		last = n - 1
	}
	if n == 0 || first > last {
		return nil
	}
	out := make([]MotionSample, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, g.ring.Peek(i))
	}
	return out
}

// AttachMotion fills each frame's Motion with the samples spanning the
// interval from the previous frame to this one.
func (g *GyroBuffer) AttachMotion(frames []*Frame) {
	for i, f := range frames {
		t0 := f.Timestamp
		if i > 0 {
			t0 = frames[i-1].Timestamp
		}
		f.Motion = g.Between(t0, f.Timestamp)
	}
}
