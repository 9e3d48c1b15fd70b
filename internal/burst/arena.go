package burst

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Status is the lifecycle state of one arena slot.
type Status int32

const (
	Pending Status = iota
	Processing
	Processed
	Released
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Processed:
		return "processed"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	// ErrReleased is returned for any access to a frame after release.
	ErrReleased = errors.New("frame already released")
	// ErrBusy is returned when another stage owns the frame.
	ErrBusy = errors.New("frame is owned by another stage")
)

type slot struct {
	status atomic.Int32
	frame  atomic.Pointer[Frame]
	pinned atomic.Bool
}

// Arena owns the frames of one run. Each slot has a single owner at a time;
// release is one-way and idempotent.
type Arena struct {
	slots    []slot
	released atomic.Int64
	bytes    atomic.Int64
}

// NewArena takes ownership of frames.
func NewArena(frames []*Frame) *Arena {
	a := &Arena{slots: make([]slot, len(frames))}
	for i, f := range frames {
		a.slots[i].frame.Store(f)
		a.bytes.Add(f.Bytes())
	}
	return a
}

func (a *Arena) Len() int { return len(a.slots) }

// Status reports the current state of slot i.
func (a *Arena) Status(i int) Status {
	return Status(a.slots[i].status.Load())
}

// Acquire hands exclusive read access of frame i to the caller until Finish.
func (a *Arena) Acquire(i int) (*Frame, error) {
	s := &a.slots[i]
	for {
		cur := Status(s.status.Load())
		switch cur {
		case Released:
			return nil, fmt.Errorf("frame %d: %w", i, ErrReleased)
		case Processing:
			return nil, fmt.Errorf("frame %d: %w", i, ErrBusy)
		}
		if s.status.CompareAndSwap(int32(cur), int32(Processing)) {
			f := s.frame.Load()
			if f == nil {
				return nil, fmt.Errorf("frame %d: %w", i, ErrReleased)
			}
			return f, nil
		}
	}
}

// Finish marks frame i as consumed. It is a no-op unless the frame is owned.
func (a *Arena) Finish(i int) {
	a.slots[i].status.CompareAndSwap(int32(Processing), int32(Processed))
}

// Return hands frame i back without marking it consumed, so a later stage
// can acquire it again.
func (a *Arena) Return(i int) {
	a.slots[i].status.CompareAndSwap(int32(Processing), int32(Pending))
}

// Peek returns frame i without taking ownership. Used for the reference
// frame, which is read by many stages.
func (a *Arena) Peek(i int) (*Frame, error) {
	s := &a.slots[i]
	if Status(s.status.Load()) == Released {
		return nil, fmt.Errorf("frame %d: %w", i, ErrReleased)
	}
	f := s.frame.Load()
	if f == nil {
		return nil, fmt.Errorf("frame %d: %w", i, ErrReleased)
	}
	return f, nil
}

// Pin keeps frame i alive across ReleaseProcessed.
func (a *Arena) Pin(i int) { a.slots[i].pinned.Store(true) }

// Release frees frame i. It reports whether this call did the release.
func (a *Arena) Release(i int) bool {
	s := &a.slots[i]
	if Status(s.status.Swap(int32(Released))) == Released {
		return false
	}
	if f := s.frame.Swap(nil); f != nil {
		a.bytes.Add(-f.Bytes())
	}
	a.released.Add(1)
	return true
}

// ReleaseProcessed frees every consumed, unpinned frame and returns the count.
func (a *Arena) ReleaseProcessed() int {
	n := 0
	for i := range a.slots {
		s := &a.slots[i]
		if s.pinned.Load() || Status(s.status.Load()) != Processed {
			continue
		}
		if a.Release(i) {
			n++
		}
	}
	return n
}

// ReleaseAll frees every frame, pinned or not.
func (a *Arena) ReleaseAll() int {
	n := 0
	for i := range a.slots {
		if a.Release(i) {
			n++
		}
	}
	return n
}

// AllReleased reports whether every slot has been released.
func (a *Arena) AllReleased() bool {
	return int(a.released.Load()) == len(a.slots)
}

// LiveBytes is the estimated footprint of frames not yet released.
func (a *Arena) LiveBytes() int64 { return a.bytes.Load() }

// Live counts frames that are not yet released.
func (a *Arena) Live() int { return len(a.slots) - int(a.released.Load()) }
