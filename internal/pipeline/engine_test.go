package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"burstfuse/internal/burst"
	"burstfuse/internal/detail"
	"burstfuse/internal/fusion"
	"burstfuse/internal/governor"
	"burstfuse/internal/imaging"
	"burstfuse/internal/parallel"
	"burstfuse/internal/quality"
)

func hash(ix, iy int) float64 {
	h := uint32(ix)*374761393 + uint32(iy)*668265263
	h = (h ^ (h >> 13)) * 1274126177
	return float64(h^(h>>16)) / float64(math.MaxUint32)
}

func noise(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	a := hash(ix, iy)*(1-fx) + hash(ix+1, iy)*fx
	b := hash(ix, iy+1)*(1-fx) + hash(ix+1, iy+1)*fx
	return a*(1-fy) + b*fy
}

func scene(w, h int, dx, dy float64) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x)-dx, float64(y)-dy
			v := float32(0.25 + 0.5*noise(fx/3, fy/3) + 0.08*math.Sin(0.11*fx-0.37*fy))
			img.Set(x, y, imaging.RGB{R: v, G: v * 0.9, B: v * 0.8})
		}
	}
	return img
}

func framesOf(imgs ...imaging.Source) []*burst.Frame {
	out := make([]*burst.Frame, len(imgs))
	for i, img := range imgs {
		out[i] = &burst.Frame{Index: i, Timestamp: int64(i) * int64(30*time.Millisecond), Source: img}
	}
	return out
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) stages() []Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Stage
	for _, s := range l.states {
		if len(out) == 0 || out[len(out)-1] != s.Stage() {
			out = append(out, s.Stage())
		}
	}
	return out
}

func newTestEngine(gov *governor.Governor) *Engine {
	return NewEngine(DefaultOptions(), gov, parallel.New(4), nil, nil)
}

func TestFastPresetIdenticalFrames(t *testing.T) {
	img := scene(1920, 1080, 0, 0)
	sources := make([]imaging.Source, 6)
	for i := range sources {
		sources[i] = img
	}
	frames := framesOf(sources...)
	arena := burst.NewArena(frames)

	var log stateLog
	e := newTestEngine(nil)
	res, err := e.Run(context.Background(), Request{Frames: frames, Arena: arena, Preset: PresetFast, OnState: log.record})
	require.NoError(t, err)

	require.Equal(t, 1920, res.Image.Width())
	require.Equal(t, 1080, res.Image.Height())
	require.InDelta(t, 1.0, res.Scale, 1e-9)
	require.Equal(t, 6, res.FramesUsed)
	require.False(t, res.MFSRApplied)
	require.Nil(t, res.DetailMask)
	require.IsType(t, Complete{}, e.State())
	require.Equal(t, []Stage{StageAligningPrior, StageAligning, StageFusing, StageComplete}, log.stages())
	require.True(t, arena.AllReleased())

	// identical frames fuse back to the reference
	for _, p := range [][2]int{{10, 10}, {960, 540}, {1900, 1070}} {
		require.InDelta(t, img.Luma(p[0], p[1]), res.Image.Luma(p[0], p[1]), 0.01)
	}
}

func halfMask(w, h, tile int) *detail.Mask {
	tx, ty := (w+tile-1)/tile, (h+tile-1)/tile
	flags := make([]bool, tx*ty)
	for y := 0; y < ty; y++ {
		for x := 0; x < tx/2; x++ {
			flags[y*tx+x] = true
		}
	}
	m, err := detail.NewMask(tx, ty, tile, flags)
	if err != nil {
		panic(err)
	}
	return m
}

func TestMaxPresetSelectiveSuperResolution(t *testing.T) {
	const w, h = 256, 192
	var sources []imaging.Source
	for k := 0; k < 12; k++ {
		sources = append(sources, scene(w, h, 0.4*float64(k%4), 0.4*float64((k/4)%3)))
	}
	mask := halfMask(w, h, 64)
	require.InDelta(t, 0.5, mask.Fraction(), 1e-9)

	opts := DefaultOptions()
	opts.SuperRes.TileSize = 128
	e := NewEngine(opts, nil, parallel.New(4), nil, nil)

	res, err := e.Run(context.Background(), Request{Frames: framesOf(sources...), Preset: PresetMax, DetailMask: mask})
	require.NoError(t, err)

	require.Equal(t, 2*w, res.Image.Width())
	require.Equal(t, 2*h, res.Image.Height())
	require.InDelta(t, 2.0, res.Scale, 1e-9)
	require.True(t, res.MFSRApplied)
	require.Equal(t, 12, res.FramesUsed)
	require.Positive(t, res.SRTilesTotal)
	frac := float64(res.SRTilesProcessed) / float64(res.SRTilesTotal)
	require.GreaterOrEqual(t, frac, 0.3)
	require.LessOrEqual(t, frac, 0.7)
	require.Same(t, mask, res.DetailMask)
	require.NotContains(t, res.FallbackReasons, FallbackModel)
}

func TestWarmDeviceWithSmallSuperResolutionTiles(t *testing.T) {
	warm := governor.ThermalFunc(func() (float64, error) { return 42, nil })
	gov := governor.New(governor.DefaultOptions(), nil, warm, nil)
	gov.Sample()

	opts := DefaultOptions()
	opts.SuperRes.TileSize = 64
	e := NewEngine(opts, gov, parallel.New(4), nil, nil)

	frames := framesOf(scene(160, 128, 0, 0), scene(160, 128, 0.5, 0), scene(160, 128, 0, 0.5))
	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetMax})
	require.NoError(t, err)
	require.Equal(t, 320, res.Image.Width())
	require.Positive(t, res.SRTilesTotal)
	require.Equal(t, governor.ThermalWarm, gov.Snapshot().Thermal)
}

func TestPresetPlans(t *testing.T) {
	cases := []struct {
		preset Preset
		method fusion.Method
		scale  int
	}{
		{PresetFast, fusion.MethodHuber, 1},
		{PresetBalanced, fusion.MethodHuber, 1},
		{PresetMax, fusion.MethodTukey, 2},
		{PresetUltra, fusion.MethodTrimmedMean, 2},
	}
	for _, c := range cases {
		cfg := c.preset.Config()
		require.Equal(t, c.method, cfg.Method, "%s", c.preset)
		require.Equal(t, c.scale, cfg.FusionScale, "%s", c.preset)
	}
	fast := PresetFast.Config()
	require.False(t, fast.Wiener || fast.DetailMask || fast.SelectiveSR || fast.Refine)
	require.True(t, PresetUltra.Config().Refine)
}

func TestUltraRejectsSingleFrame(t *testing.T) {
	var log stateLog
	e := newTestEngine(nil)
	_, err := e.Run(context.Background(), Request{
		Frames:  framesOf(scene(64, 64, 0, 0)),
		Preset:  PresetUltra,
		OnState: log.record,
	})
	require.ErrorIs(t, err, ErrInput)
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StageIdle, se.Stage)
	require.Equal(t, []Stage{StageFailed}, log.stages())
}

func TestRejectsMismatchedFrames(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.Run(context.Background(), Request{
		Frames: framesOf(scene(64, 64, 0, 0), scene(64, 48, 0, 0)),
		Preset: PresetFast,
	})
	require.ErrorIs(t, err, ErrInput)
	require.ErrorIs(t, err, burst.ErrSizeMismatch)
}

func TestCriticalTemperatureAbortsRun(t *testing.T) {
	step := 0
	thermal := governor.ThermalFunc(func() (float64, error) {
		step++
		if step >= 3 {
			return 55, nil
		}
		return 35, nil
	})
	gov := governor.New(governor.DefaultOptions(), nil, thermal, nil)

	var sources []imaging.Source
	for k := 0; k < 6; k++ {
		sources = append(sources, scene(128, 96, 0.5*float64(k), 0))
	}
	frames := framesOf(sources...)
	arena := burst.NewArena(frames)

	e := newTestEngine(gov)
	_, err := e.Run(context.Background(), Request{Frames: frames, Arena: arena, Preset: PresetMax})
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.ErrorIs(t, err, governor.ErrThermalCritical)

	failed, ok := e.State().(Failed)
	require.True(t, ok, "state %T", e.State())
	require.Contains(t, failed.Reason, "temperature")
	require.True(t, arena.AllReleased())
	for i := 0; i < arena.Len(); i++ {
		_, err := arena.Acquire(i)
		require.ErrorIs(t, err, burst.ErrReleased)
	}
}

func TestCancelledRunReturnsToIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frames := framesOf(scene(64, 64, 0, 0), scene(64, 64, 1, 0), scene(64, 64, 0, 1))
	arena := burst.NewArena(frames)
	e := newTestEngine(nil)
	_, err := e.Run(ctx, Request{Frames: frames, Arena: arena, Preset: PresetBalanced})
	require.ErrorIs(t, err, ErrCancelled)
	require.False(t, errors.Is(err, ErrStage))
	require.IsType(t, Idle{}, e.State())
	require.True(t, arena.AllReleased())
}

func TestBudgetExceededIsCancellation(t *testing.T) {
	frames := framesOf(scene(96, 96, 0, 0), scene(96, 96, 1, 0))
	e := newTestEngine(nil)
	_, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetFast, Budget: time.Nanosecond})
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, strings.Contains(err.Error(), "budget"))
}

type brokenModel struct{}

func (brokenModel) Name() string  { return "broken" }
func (brokenModel) Scale() int    { return 4 }
func (brokenModel) TileSize() int { return 0 }
func (brokenModel) Run(context.Context, []float32, int, int) ([]float32, int, int, error) {
	return nil, 0, 0, errors.New("model unavailable")
}

func TestUltraModelFailureKeepsFusedImage(t *testing.T) {
	frames := framesOf(scene(96, 64, 0, 0), scene(96, 64, 0.5, 0), scene(96, 64, 0, 0.5))
	e := newTestEngine(nil)
	e.Upscaler = brokenModel{}

	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetUltra})
	require.NoError(t, err)
	require.True(t, res.Fallback)
	require.Contains(t, res.FallbackReasons, FallbackModel)
	require.Equal(t, 192, res.Image.Width())
	require.IsType(t, Complete{}, e.State())
}

func TestUltraRefinesToEightTimes(t *testing.T) {
	frames := framesOf(scene(64, 48, 0, 0), scene(64, 48, 0.5, 0), scene(64, 48, 0, 0.5))
	e := newTestEngine(nil)
	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetUltra})
	require.NoError(t, err)
	require.Equal(t, 64*8, res.Image.Width())
	require.Equal(t, 48*8, res.Image.Height())
	require.InDelta(t, 8.0, res.Scale, 1e-9)
}

// flatModel upscales to a constant value.
type flatModel struct{ v float32 }

func (flatModel) Name() string  { return "flat" }
func (flatModel) Scale() int    { return 4 }
func (flatModel) TileSize() int { return 0 }
func (m flatModel) Run(_ context.Context, _ []float32, w, h int) ([]float32, int, int, error) {
	out := make([]float32, w*4*h*4*3)
	for i := range out {
		out[i] = m.v
	}
	return out, w * 4, h * 4, nil
}

func TestRefineStrengthEndpoints(t *testing.T) {
	run := func(model flatModel, strength *float32) *imaging.Image {
		frames := framesOf(scene(48, 32, 0, 0), scene(48, 32, 0.5, 0), scene(48, 32, 0, 0.5))
		opts := DefaultOptions()
		opts.RefineStrength = strength
		e := NewEngine(opts, nil, parallel.New(2), nil, nil)
		e.Upscaler = model
		res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetUltra})
		require.NoError(t, err)
		require.Equal(t, 48*8, res.Image.Width())
		return res.Image
	}
	zero, one := float32(0), float32(1)

	// strength 0 is the interpolated base whatever the model returns
	bright := run(flatModel{v: 1}, &zero)
	dark := run(flatModel{v: 0}, &zero)
	require.Equal(t, bright.Pix, dark.Pix)
	require.Less(t, bright.Luma(200, 120), float32(0.95))

	full := run(flatModel{v: 1}, &one)
	require.InDelta(t, 1, full.Luma(200, 120), 1e-4)

	// unset takes the default blend
	def := run(flatModel{v: 1}, nil)
	want := bright.Luma(200, 120) + DefaultRefineStrength*(1-bright.Luma(200, 120))
	require.InDelta(t, want, def.Luma(200, 120), 1e-3)

	over := float32(3)
	require.InDelta(t, 1, run(flatModel{v: 1}, &over).Luma(200, 120), 1e-4)
}

func TestBalancedReportsDetailMask(t *testing.T) {
	frames := framesOf(scene(128, 128, 0, 0), scene(128, 128, 0.5, 0.5))
	e := newTestEngine(nil)
	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetBalanced})
	require.NoError(t, err)
	require.NotNil(t, res.DetailMask)
	require.Equal(t, 128, res.Image.Width())
	require.Zero(t, res.SRTilesTotal)
}

func TestProgressIsMonotonic(t *testing.T) {
	var mu sync.Mutex
	var got []Progress
	sink := SinkFunc(func(p Progress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	frames := framesOf(scene(96, 96, 0, 0), scene(96, 96, 0.5, 0), scene(96, 96, 0, 0.5))
	e := newTestEngine(nil)
	_, err := e.Run(context.Background(), Request{ID: "run-1", Frames: frames, Preset: PresetMax, Sink: sink})
	require.NoError(t, err)

	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i].Fraction, got[i-1].Fraction)
	}
	last := got[len(got)-1]
	require.Equal(t, StageComplete, last.Stage)
	require.Equal(t, 1.0, last.Fraction)
	require.Equal(t, "run-1", last.RunID)
}

func TestMemoryBudgetDropsUpscale(t *testing.T) {
	frames := framesOf(scene(64, 64, 0, 0), scene(64, 64, 0.5, 0))
	opts := DefaultOptions()
	opts.MemoryBudget = 1 << 10
	e := NewEngine(opts, nil, nil, nil, nil)
	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetMax})
	require.NoError(t, err)
	require.Contains(t, res.FallbackReasons, FallbackMemory)
	require.False(t, res.MFSRApplied)
	require.Equal(t, 64, res.Image.Width())
}

func TestExcessiveMotionReturnsReference(t *testing.T) {
	frames := framesOf(scene(64, 64, 0, 0), scene(64, 64, 0, 0))
	// 2 rad/s over 30ms swings the second frame by several pixels
	frames[1].Motion = []burst.MotionSample{
		{Timestamp: frames[0].Timestamp, Y: 2},
		{Timestamp: frames[1].Timestamp, Y: 2},
	}
	opts := DefaultOptions()
	opts.Diversity.MaxShift = 1
	e := NewEngine(opts, nil, nil, nil, nil)

	res, err := e.Run(context.Background(), Request{Frames: frames, Preset: PresetFast})
	require.NoError(t, err)
	require.Equal(t, quality.AdvisoryExcessiveMotion, res.Advisory)
	require.Contains(t, res.FallbackReasons, FallbackExcessiveMotion)
	require.Equal(t, 1, res.FramesUsed)
	require.Equal(t, 0, res.Reference)
}
