// Package governor watches memory and device temperature during a run and
// decides whether processing may continue, should slow down, or must stop.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"burstfuse/internal/parallel"
)

var (
	ErrThermalCritical = errors.New("device temperature critical")
	ErrMemoryCritical  = errors.New("memory usage critical")
)

// AbortError carries the reason a checkpoint stopped the run.
type AbortError struct {
	Reason string
	Err    error
}

func (e *AbortError) Error() string { return e.Reason }
func (e *AbortError) Unwrap() error { return e.Err }

type ThermalState int

const (
	ThermalNormal ThermalState = iota
	ThermalWarm
	ThermalHot
	ThermalCritical
)

func (s ThermalState) String() string {
	switch s {
	case ThermalNormal:
		return "normal"
	case ThermalWarm:
		return "warm"
	case ThermalHot:
		return "hot"
	case ThermalCritical:
		return "critical"
	}
	return fmt.Sprintf("thermal(%d)", int(s))
}

func (s ThermalState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type MemoryState int

const (
	MemoryNormal MemoryState = iota
	MemoryLow
	MemoryCritical
)

func (s MemoryState) String() string {
	switch s {
	case MemoryNormal:
		return "normal"
	case MemoryLow:
		return "low"
	case MemoryCritical:
		return "critical"
	}
	return fmt.Sprintf("memory(%d)", int(s))
}

func (s MemoryState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Options struct {
	WarmC     float64 `json:"warm_c"`
	HotC      float64 `json:"hot_c"`
	CriticalC float64 `json:"critical_c"`
	ResumeC   float64 `json:"resume_c"`

	MemoryLow      float64 `json:"memory_low"`
	MemoryCritical float64 `json:"memory_critical"`

	PollInterval time.Duration `json:"poll_interval"`
	MaxPause     time.Duration `json:"max_pause"`
	// WarmScale multiplies threads and tile size while warm.
	WarmScale float64 `json:"warm_scale"`
}

func DefaultOptions() Options {
	return Options{
		WarmC:          41,
		HotC:           45,
		CriticalC:      50,
		ResumeC:        43,
		MemoryLow:      0.75,
		MemoryCritical: 0.90,
		PollInterval:   2 * time.Second,
		MaxPause:       60 * time.Second,
		WarmScale:      0.5,
	}
}

func (o Options) Thermal(c float64) ThermalState {
	switch {
	case c >= o.CriticalC:
		return ThermalCritical
	case c >= o.HotC:
		return ThermalHot
	case c >= o.WarmC:
		return ThermalWarm
	}
	return ThermalNormal
}

func (o Options) Memory(fraction float64) MemoryState {
	switch {
	case fraction >= o.MemoryCritical:
		return MemoryCritical
	case fraction >= o.MemoryLow:
		return MemoryLow
	}
	return MemoryNormal
}

// Snapshot is a point-in-time reading.
type Snapshot struct {
	Time           time.Time    `json:"time"`
	MemoryUsed     uint64       `json:"memory_used"`
	MemoryLimit    uint64       `json:"memory_limit"`
	MemoryFraction float64      `json:"memory_fraction"`
	Memory         MemoryState  `json:"memory_state"`
	TemperatureC   float64      `json:"temperature_c"`
	HasTemperature bool         `json:"has_temperature"`
	Thermal        ThermalState `json:"thermal_state"`
	Threads        int          `json:"threads"`
}

// Releaser frees frame buffers on request.
type Releaser interface {
	ReleaseProcessed() int
}

// Governor samples sensors and gates progress. A single goroutine should
// drive Checkpoint; Snapshot may be read from anywhere.
type Governor struct {
	opts    Options
	mem     MemorySensor
	thermal ThermalSensor
	logger  *slog.Logger

	pool        *parallel.Pool
	baseThreads int

	snap atomic.Pointer[Snapshot]
	mu   sync.Mutex

	// OnSnapshot observes every sample.
	OnSnapshot func(Snapshot)

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a governor. Nil sensors are treated as always-normal.
func New(opts Options, mem MemorySensor, thermal ThermalSensor, logger *slog.Logger) *Governor {
	d := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.MaxPause <= 0 {
		opts.MaxPause = d.MaxPause
	}
	if opts.WarmScale <= 0 || opts.WarmScale > 1 {
		opts.WarmScale = d.WarmScale
	}
	if opts.CriticalC == 0 {
		opts.WarmC, opts.HotC, opts.CriticalC, opts.ResumeC = d.WarmC, d.HotC, d.CriticalC, d.ResumeC
	}
	if opts.MemoryCritical == 0 {
		opts.MemoryLow, opts.MemoryCritical = d.MemoryLow, d.MemoryCritical
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		opts:    opts,
		mem:     mem,
		thermal: thermal,
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
	}
	g.snap.Store(&Snapshot{Time: g.now()})
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClock replaces the sleep and time sources, for tests.
func (g *Governor) SetClock(sleep func(context.Context, time.Duration) error, now func() time.Time) {
	g.sleep = sleep
	g.now = now
}

func (g *Governor) Options() Options { return g.opts }

// Attach lets the governor resize pool relative to base threads.
func (g *Governor) Attach(pool *parallel.Pool, baseThreads int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pool = pool
	g.baseThreads = max(1, baseThreads)
	pool.SetSize(g.baseThreads)
}

// Snapshot returns the latest sample without probing.
func (g *Governor) Snapshot() Snapshot { return *g.snap.Load() }

// Sample reads the sensors and stores a new snapshot.
func (g *Governor) Sample() Snapshot {
	s := Snapshot{Time: g.now(), Threads: g.pool.Size()}
	if g.mem != nil {
		if u, err := g.mem.Memory(); err == nil {
			s.MemoryUsed, s.MemoryLimit = u.UsedBytes, u.LimitBytes
			s.MemoryFraction = u.Fraction()
		}
	}
	s.Memory = g.opts.Memory(s.MemoryFraction)
	if g.thermal != nil {
		if c, err := g.thermal.Temperature(); err == nil {
			s.TemperatureC, s.HasTemperature = c, true
		}
	}
	if s.HasTemperature {
		s.Thermal = g.opts.Thermal(s.TemperatureC)
	}
	g.snap.Store(&s)
	if g.OnSnapshot != nil {
		g.OnSnapshot(s)
	}
	return s
}

// Scale is the factor to apply to tile size and thread count for the
// current thermal state.
func (g *Governor) Scale() float64 {
	if g.Snapshot().Thermal >= ThermalWarm {
		return g.opts.WarmScale
	}
	return 1
}

// TileSize scales a base tile size by the current thermal state, keeping
// it a multiple of 32.
func (g *Governor) TileSize(base int) int {
	t := int(float64(base) * g.Scale())
	return max(32, t/32*32)
}

// ScaleTile scales a base tile edge by the current thermal state without
// going below floor. Bases already under floor are kept.
func (g *Governor) ScaleTile(base, floor int) int {
	if base <= floor {
		return base
	}
	return max(floor, int(float64(base)*g.Scale()))
}

// Checkpoint is called between frames and tiles. It releases consumed
// frames under memory pressure, throttles or pauses when warm or hot, and
// returns an *AbortError when the run must stop.
func (g *Governor) Checkpoint(ctx context.Context, r Releaser) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.Sample()
	if err := g.checkMemory(s, r); err != nil {
		return err
	}

	switch s.Thermal {
	case ThermalCritical:
		return g.abortThermal(s.TemperatureC)
	case ThermalHot:
		if err := g.pause(ctx, s.TemperatureC); err != nil {
			return err
		}
	}
	g.applyThreads()
	return nil
}

func (g *Governor) checkMemory(s Snapshot, r Releaser) error {
	if s.Memory == MemoryNormal {
		return nil
	}
	released := 0
	if r != nil {
		released = r.ReleaseProcessed()
	}
	debug.FreeOSMemory()
	g.logger.Info("Memory pressure, released consumed frames",
		"state", s.Memory.String(),
		"fraction", fmt.Sprintf("%.2f", s.MemoryFraction),
		"released", released)
	if s.Memory != MemoryCritical {
		return nil
	}
	again := g.Sample()
	if again.Memory == MemoryCritical {
		return &AbortError{
			Reason: fmt.Sprintf("memory usage %.0f%% above critical %.0f%%", again.MemoryFraction*100, g.opts.MemoryCritical*100),
			Err:    ErrMemoryCritical,
		}
	}
	return nil
}

func (g *Governor) abortThermal(c float64) error {
	g.logger.Warn("Device temperature critical, aborting", "temperature_c", c)
	return &AbortError{
		Reason: fmt.Sprintf("device temperature %.1fC reached critical threshold %.1fC", c, g.opts.CriticalC),
		Err:    ErrThermalCritical,
	}
}

// pause polls until the device cools below the resume threshold or the
// maximum pause elapses, after which processing continues regardless.
func (g *Governor) pause(ctx context.Context, c float64) error {
	g.logger.Warn("Device hot, pausing", "temperature_c", c, "resume_c", g.opts.ResumeC)
	start := g.now()
	for {
		if err := g.sleep(ctx, g.opts.PollInterval); err != nil {
			return err
		}
		s := g.Sample()
		if s.Thermal == ThermalCritical {
			return g.abortThermal(s.TemperatureC)
		}
		if !s.HasTemperature || s.TemperatureC < g.opts.ResumeC {
			g.logger.Info("Device cooled, resuming", "temperature_c", s.TemperatureC, "paused", g.now().Sub(start))
			return nil
		}
		if g.now().Sub(start) >= g.opts.MaxPause {
			g.logger.Warn("Thermal pause limit reached, resuming anyway", "temperature_c", s.TemperatureC, "paused", g.opts.MaxPause)
			return nil
		}
	}
}

func (g *Governor) applyThreads() {
	if g.pool == nil {
		return
	}
	n := g.baseThreads
	if g.Snapshot().Thermal >= ThermalWarm {
		n = max(1, int(float64(n)*g.opts.WarmScale))
	}
	if n != g.pool.Size() {
		g.logger.Info("Adjusting worker count", "threads", n, "thermal", g.Snapshot().Thermal.String())
		g.pool.SetSize(n)
	}
}
