package governor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"burstfuse/internal/parallel"
)

type fakeClock struct {
	t      time.Time
	sleeps int
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.sleeps++
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) now() time.Time { return c.t }

type countingReleaser struct{ calls int }

func (r *countingReleaser) ReleaseProcessed() int {
	r.calls++
	return 2
}

func temps(values ...float64) ThermalSensor {
	i := 0
	return ThermalFunc(func() (float64, error) {
		v := values[min(i, len(values)-1)]
		i++
		return v, nil
	})
}

func memory(fractions ...float64) MemorySensor {
	i := 0
	return MemoryFunc(func() (MemoryUsage, error) {
		f := fractions[min(i, len(fractions)-1)]
		i++
		return MemoryUsage{UsedBytes: uint64(f * 1000), LimitBytes: 1000}, nil
	})
}

func newTestGovernor(mem MemorySensor, th ThermalSensor) (*Governor, *fakeClock) {
	g := New(DefaultOptions(), mem, th, nil)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g.SetClock(clk.sleep, clk.now)
	return g, clk
}

func TestThermalClassification(t *testing.T) {
	o := DefaultOptions()
	cases := map[float64]ThermalState{
		30: ThermalNormal, 41: ThermalWarm, 44.9: ThermalWarm,
		45: ThermalHot, 49.9: ThermalHot, 50: ThermalCritical, 70: ThermalCritical,
	}
	for c, want := range cases {
		if got := o.Thermal(c); got != want {
			t.Errorf("Thermal(%v) = %v, want %v", c, got, want)
		}
	}
}

func TestCheckpointNormalContinues(t *testing.T) {
	g, _ := newTestGovernor(memory(0.2), temps(35))
	if err := g.Checkpoint(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s := g.Snapshot(); s.Thermal != ThermalNormal || s.Memory != MemoryNormal {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestCheckpointCriticalAborts(t *testing.T) {
	g, _ := newTestGovernor(nil, temps(52))
	err := g.Checkpoint(context.Background(), nil)
	if !errors.Is(err, ErrThermalCritical) {
		t.Fatalf("expected thermal abort, got %v", err)
	}
	var abort *AbortError
	if !errors.As(err, &abort) || !strings.Contains(abort.Reason, "temperature") {
		t.Fatalf("reason should mention temperature: %v", err)
	}
}

func TestHotPausesUntilCool(t *testing.T) {
	g, clk := newTestGovernor(nil, temps(46, 45, 44, 42))
	if err := g.Checkpoint(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clk.sleeps != 3 {
		t.Fatalf("expected 3 polls, got %d", clk.sleeps)
	}
}

func TestHotPauseIsBounded(t *testing.T) {
	g, clk := newTestGovernor(nil, temps(47))
	if err := g.Checkpoint(context.Background(), nil); err != nil {
		t.Fatalf("pause should resume after the limit, got %v", err)
	}
	if want := int(DefaultOptions().MaxPause / DefaultOptions().PollInterval); clk.sleeps != want {
		t.Fatalf("expected %d polls, got %d", want, clk.sleeps)
	}
}

func TestHotThenCriticalAborts(t *testing.T) {
	g, _ := newTestGovernor(nil, temps(46, 51))
	if err := g.Checkpoint(context.Background(), nil); !errors.Is(err, ErrThermalCritical) {
		t.Fatalf("expected abort, got %v", err)
	}
}

func TestPauseHonoursCancel(t *testing.T) {
	g := New(DefaultOptions(), nil, temps(46), nil)
	ctx, cancel := context.WithCancel(context.Background())
	g.SetClock(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}, time.Now)
	if err := g.Checkpoint(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWarmShrinksPool(t *testing.T) {
	g, _ := newTestGovernor(nil, temps(42))
	pool := parallel.New(8)
	g.Attach(pool, 8)
	if err := g.Checkpoint(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 4 {
		t.Fatalf("expected 4 threads while warm, got %d", pool.Size())
	}
	if ts := g.TileSize(256); ts != 128 {
		t.Fatalf("expected tile 128, got %d", ts)
	}
	for _, c := range [][3]int{{32, 16, 16}, {16, 16, 16}, {8, 16, 8}, {64, 16, 32}} {
		if got := g.ScaleTile(c[0], c[1]); got != c[2] {
			t.Fatalf("ScaleTile(%d, %d) = %d, want %d", c[0], c[1], got, c[2])
		}
	}
}

func TestMemoryPressureReleases(t *testing.T) {
	r := &countingReleaser{}
	g, _ := newTestGovernor(memory(0.8), nil)
	if err := g.Checkpoint(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if r.calls != 1 {
		t.Fatalf("expected release on low memory, got %d calls", r.calls)
	}

	// critical then recovered after release
	r = &countingReleaser{}
	g, _ = newTestGovernor(memory(0.95, 0.5), nil)
	if err := g.Checkpoint(context.Background(), r); err != nil {
		t.Fatalf("recovered memory should continue: %v", err)
	}

	g, _ = newTestGovernor(memory(0.95), nil)
	if err := g.Checkpoint(context.Background(), r); !errors.Is(err, ErrMemoryCritical) {
		t.Fatalf("expected memory abort, got %v", err)
	}
}

func TestSysfsThermal(t *testing.T) {
	root := t.TempDir()
	write := func(rel, v string) {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sensor := SysfsThermal{Root: root}
	if _, err := sensor.Temperature(); !errors.Is(err, ErrNoSensor) {
		t.Fatalf("expected ErrNoSensor, got %v", err)
	}

	write("power_supply/battery/temp", "385\n")
	if c, err := sensor.Temperature(); err != nil || c != 38.5 {
		t.Fatalf("battery fallback = %v, %v", c, err)
	}

	write("thermal/thermal_zone0/temp", "41000\n")
	write("thermal/thermal_zone1/temp", "47500\n")
	if c, err := sensor.Temperature(); err != nil || c != 47.5 {
		t.Fatalf("hottest zone = %v, %v", c, err)
	}
}

func TestLinuxDetectorAndTiers(t *testing.T) {
	p := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:        8000000 kB\nMemFree:          100000 kB\nMemAvailable:    4000000 kB\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LinuxDetector{MemInfoPath: p}.Detect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalMemoryMB != 7812 || c.AvailableMemoryMB != 3906 {
		t.Fatalf("unexpected memory %+v", c)
	}

	if tier := Classify(Capabilities{TotalMemoryMB: 12 * 1024, Cores: 8}); tier != TierFlagship {
		t.Fatalf("expected flagship, got %v", tier)
	}
	if tier := Classify(Capabilities{TotalMemoryMB: 2 * 1024, Cores: 8}); tier != TierLow {
		t.Fatalf("expected low, got %v", tier)
	}
	if d := TierMid.Defaults(8); d.Threads != 4 || d.TileSize != 256 {
		t.Fatalf("unexpected mid defaults %+v", d)
	}
}
