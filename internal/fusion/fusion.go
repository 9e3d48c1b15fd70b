// Package fusion merges aligned burst frames into one image at the input
// resolution or an integer upscale, rejecting outliers with a robust
// estimator.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chewxy/math32"

	"burstfuse/internal/align"
	"burstfuse/internal/burst"
	"burstfuse/internal/imaging"
	"burstfuse/internal/parallel"
)

// ErrTooFewFrames is returned when fewer than two frames are supplied.
var ErrTooFewFrames = errors.New("fusion needs at least two frames")

type Options struct {
	Method    Method  `json:"method"`
	Threshold float32 `json:"threshold"`
	TrimRatio float32 `json:"trim_ratio"`
	Scale     int     `json:"scale"`
	// KernelSigma is the splat falloff in output pixels.
	KernelSigma float32 `json:"kernel_sigma"`

	QualityWeighting bool    `json:"quality_weighting"`
	QualityThreshold float32 `json:"quality_threshold"`
	BracketAware     bool    `json:"bracket_aware"`

	Wiener        bool    `json:"wiener"`
	NoiseVariance float32 `json:"noise_variance"`
	WienerWindow  int     `json:"wiener_window"`
	Sharpen       float32 `json:"sharpen"`

	GapFillPasses   int `json:"gap_fill_passes"`
	MinContributors int `json:"min_contributors"`
	// CheckpointEvery calls Hooks.Checkpoint after this many frames.
	CheckpointEvery int `json:"checkpoint_every"`
}

func DefaultOptions() Options {
	return Options{
		Method:           MethodHuber,
		Threshold:        0.15,
		TrimRatio:        0.2,
		Scale:            1,
		KernelSigma:      0.7,
		QualityWeighting: true,
		QualityThreshold: 0.1,
		BracketAware:     true,
		NoiseVariance:    0.01,
		WienerWindow:     5,
		GapFillPasses:    3,
		MinContributors:  2,
		CheckpointEvery:  2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Scale < 1 {
		o.Scale = 1
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.TrimRatio < 0 || o.TrimRatio >= 0.5 {
		o.TrimRatio = d.TrimRatio
	}
	if o.KernelSigma <= 0 {
		o.KernelSigma = d.KernelSigma
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = d.QualityThreshold
	}
	if o.NoiseVariance <= 0 {
		o.NoiseVariance = d.NoiseVariance
	}
	if o.WienerWindow < 3 {
		o.WienerWindow = d.WienerWindow
	}
	if o.GapFillPasses < 0 {
		o.GapFillPasses = d.GapFillPasses
	}
	if o.MinContributors < 1 {
		o.MinContributors = d.MinContributors
	}
	if o.CheckpointEvery < 1 {
		o.CheckpointEvery = d.CheckpointEvery
	}
	return o
}

// Input names the frames to merge. Fields is indexed by frame; the
// reference entry is ignored and a nil entry means zero displacement.
type Input struct {
	Arena     *burst.Arena
	Reference int
	Fields    []*align.Field
	// Frames lists the frame indices to merge in order. Nil means all.
	Frames []int
}

// Hooks lets the caller react while frames are merged.
type Hooks struct {
	// Consumed is called once a non-reference frame's contribution is complete.
	Consumed func(frame int)
	// Checkpoint is called every Options.CheckpointEvery frames; an error aborts.
	Checkpoint func(ctx context.Context) error
}

func (h Hooks) consumed(i int) {
	if h.Consumed != nil {
		h.Consumed(i)
	}
}

func (h Hooks) checkpoint(ctx context.Context) error {
	if h.Checkpoint != nil {
		return h.Checkpoint(ctx)
	}
	return nil
}

type Result struct {
	Image      *imaging.Image
	Scale      int
	FramesUsed int
	// Coverage is the fraction of output pixels with at least
	// MinContributors contributing frames.
	Coverage  float64
	GapPixels int
}

type Engine struct {
	opts Options
	pool *parallel.Pool
	log  *slog.Logger
}

func New(opts Options, pool *parallel.Pool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts.withDefaults(), pool: pool, log: logger}
}

func (e *Engine) Options() Options { return e.opts }

type accumulator struct {
	w, h  int
	sum   []float32
	wsum  []float32
	count []uint8
}

func newAccumulator(w, h int) *accumulator {
	return &accumulator{w: w, h: h, sum: make([]float32, w*h*3), wsum: make([]float32, w*h), count: make([]uint8, w*h)}
}

func (a *accumulator) add(i int, c imaging.RGB, wt float32) {
	a.sum[i*3] += c.R * wt
	a.sum[i*3+1] += c.G * wt
	a.sum[i*3+2] += c.B * wt
	a.wsum[i] += wt
	if a.count[i] < 255 {
		a.count[i]++
	}
}

const minWeight = 1e-6

// Fuse merges the frames. Non-reference frames are acquired from the arena,
// consumed and reported through hooks.Consumed, so the caller can release
// them while later frames are still being merged. The reference frame is
// only read.
func (e *Engine) Fuse(ctx context.Context, in Input, hooks Hooks) (*Result, error) {
	order := in.Frames
	if order == nil {
		order = make([]int, in.Arena.Len())
		for i := range order {
			order[i] = i
		}
	}
	if len(order) < 2 {
		return nil, ErrTooFewFrames
	}
	ref, err := in.Arena.Peek(in.Reference)
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	s := e.opts.Scale
	w, h := ref.Width(), ref.Height()
	ow, oh := w*s, h*s
	anchor := Upscale(ref.Source, s)

	var qmap *imaging.Gray
	if e.opts.QualityWeighting && len(order) >= 3 {
		qmap, err = e.qualityMap(in, order)
		if err != nil {
			return nil, err
		}
	}

	acc := newAccumulator(ow, oh)
	var used int
	if e.opts.Method == MethodTrimmedMean {
		used, err = e.fuseGathered(ctx, in, order, anchor, qmap, acc, hooks)
	} else {
		used, err = e.fuseStreaming(ctx, in, order, anchor, qmap, acc, hooks)
	}
	if err != nil {
		return nil, err
	}

	out, coverage, gaps := e.resolve(acc, anchor)
	if e.opts.Wiener {
		out = Wiener(out, e.opts.WienerWindow, e.opts.NoiseVariance/float32(max(1, used)))
	}
	if e.opts.Sharpen > 0 {
		out = EdgeSharpen(out, e.opts.Sharpen)
	}
	out.Clamp()
	e.log.Debug("fused frames", "frames", used, "scale", s, "coverage", coverage, "gaps", gaps, "method", e.opts.Method.String())
	return &Result{Image: out, Scale: s, FramesUsed: used, Coverage: coverage, GapPixels: gaps}, nil
}

// sampler describes how one frame maps onto the output grid.
type sampler struct {
	src   imaging.Source
	field *align.Field
	isRef bool
}

func (e *Engine) sampleAt(sm sampler, ox, oy int, qmap *imaging.Gray) (imaging.RGB, float32, float32, bool) {
	s := float32(e.opts.Scale)
	px := (float32(ox)+0.5)/s - 0.5
	py := (float32(oy)+0.5)/s - 0.5
	qx, qy := px, py
	conf := float32(1)
	if !sm.isRef && sm.field != nil {
		dx, dy, c := sm.field.Sample(px, py)
		qx, qy, conf = px+dx, py+dy, c
	}
	if !imaging.InBounds(sm.src.Width(), sm.src.Height(), qx, qy) {
		return imaging.RGB{}, 0, 0, false
	}
	c := imaging.SampleLanczos(sm.src, qx, qy)

	fx := qx - math32.Floor(qx+0.5)
	fy := qy - math32.Floor(qy+0.5)
	dist := math32.Sqrt(fx*fx+fy*fy) * s
	wt := imaging.GaussianWeight(dist, e.opts.KernelSigma)
	if !sm.isRef {
		wt *= 0.3 + 0.7*conf
		if qmap != nil {
			wt *= qmap.AtClamped(int(px+0.5), int(py+0.5))
		}
	}
	return c, wt, conf, true
}

func (e *Engine) fuseStreaming(ctx context.Context, in Input, order []int, anchor *imaging.Image, qmap *imaging.Gray, acc *accumulator, hooks Hooks) (int, error) {
	used := 0
	for k, fi := range order {
		if err := ctx.Err(); err != nil {
			return used, err
		}
		sm, err := e.acquire(in, fi)
		if err != nil {
			return used, err
		}
		err = e.pool.Rows(ctx, acc.h, func(lo, hi int) {
			for oy := lo; oy < hi; oy++ {
				for ox := 0; ox < acc.w; ox++ {
					c, wt, conf, ok := e.sampleAt(sm, ox, oy, qmap)
					if !ok {
						continue
					}
					if !sm.isRef {
						thr := e.opts.Threshold * (0.3 + 0.7*conf)
						wt *= e.opts.Method.Weight(ColorDistance(c, anchor.RGB(ox, oy)), thr)
					}
					if wt < minWeight {
						continue
					}
					acc.add(oy*acc.w+ox, c, wt)
				}
			}
		})
		if !sm.isRef {
			in.Arena.Finish(fi)
			hooks.consumed(fi)
		}
		if err != nil {
			return used, err
		}
		used++
		if (k+1)%e.opts.CheckpointEvery == 0 {
			if err := hooks.checkpoint(ctx); err != nil {
				return used, err
			}
		}
	}
	return used, nil
}

// fuseGathered collects every frame's sample per output pixel and applies
// the estimator to the full set. All frames stay owned until the end.
func (e *Engine) fuseGathered(ctx context.Context, in Input, order []int, anchor *imaging.Image, qmap *imaging.Gray, acc *accumulator, hooks Hooks) (int, error) {
	samplers := make([]sampler, 0, len(order))
	release := func() {
		for i, sm := range samplers {
			if !sm.isRef {
				in.Arena.Finish(order[i])
				hooks.consumed(order[i])
			}
		}
	}
	for _, fi := range order {
		sm, err := e.acquire(in, fi)
		if err != nil {
			release()
			return 0, err
		}
		samplers = append(samplers, sm)
	}
	if err := hooks.checkpoint(ctx); err != nil {
		release()
		return 0, err
	}

	err := e.pool.Rows(ctx, acc.h, func(lo, hi int) {
		vals := make([]imaging.RGB, 0, len(samplers))
		wts := make([]float32, 0, len(samplers))
		for oy := lo; oy < hi; oy++ {
			for ox := 0; ox < acc.w; ox++ {
				vals, wts = vals[:0], wts[:0]
				for _, sm := range samplers {
					c, wt, _, ok := e.sampleAt(sm, ox, oy, qmap)
					if !ok || wt < minWeight {
						continue
					}
					vals = append(vals, c)
					wts = append(wts, wt)
				}
				if len(vals) == 0 {
					continue
				}
				est := Estimate(vals, wts, MethodTrimmedMean, e.opts.Threshold, e.opts.TrimRatio)
				i := oy*acc.w + ox
				acc.sum[i*3], acc.sum[i*3+1], acc.sum[i*3+2] = est.R, est.G, est.B
				acc.wsum[i] = 1
				acc.count[i] = uint8(min(len(vals), 255))
			}
		}
	})
	release()
	if err != nil {
		return 0, err
	}
	return len(samplers), nil
}

func (e *Engine) acquire(in Input, fi int) (sampler, error) {
	if fi == in.Reference {
		f, err := in.Arena.Peek(fi)
		if err != nil {
			return sampler{}, err
		}
		return sampler{src: f.Source, isRef: true}, nil
	}
	f, err := in.Arena.Acquire(fi)
	if err != nil {
		return sampler{}, err
	}
	var field *align.Field
	if fi < len(in.Fields) {
		field = in.Fields[fi]
	}
	return sampler{src: f.Source, field: field}, nil
}

// resolve normalises the accumulators, fills gaps and measures coverage.
func (e *Engine) resolve(acc *accumulator, anchor *imaging.Image) (*imaging.Image, float64, int) {
	out := imaging.NewImage(acc.w, acc.h)
	valid := make([]bool, acc.w*acc.h)
	covered, gaps := 0, 0
	for i := range acc.wsum {
		if int(acc.count[i]) >= e.opts.MinContributors {
			covered++
		}
		if acc.wsum[i] < minWeight {
			gaps++
			continue
		}
		inv := 1 / acc.wsum[i]
		out.Pix[i*3] = acc.sum[i*3] * inv
		out.Pix[i*3+1] = acc.sum[i*3+1] * inv
		out.Pix[i*3+2] = acc.sum[i*3+2] * inv
		valid[i] = true
	}
	if gaps > 0 {
		FillGaps(out, valid, e.opts.GapFillPasses)
		for i, ok := range valid {
			if !ok {
				copy(out.Pix[i*3:i*3+3], anchor.Pix[i*3:i*3+3])
			}
		}
	}
	total := len(acc.wsum)
	if total == 0 {
		return out, 0, gaps
	}
	return out, float64(covered) / float64(total), gaps
}

// Upscale resamples src by an integer factor with Lanczos-2. A factor of 1
// copies the source.
func Upscale(src imaging.Source, scale int) *imaging.Image {
	if scale <= 1 {
		return imaging.ToImage(src)
	}
	ow, oh := src.Width()*scale, src.Height()*scale
	out := imaging.NewImage(ow, oh)
	s := float32(scale)
	for oy := 0; oy < oh; oy++ {
		py := (float32(oy)+0.5)/s - 0.5
		for ox := 0; ox < ow; ox++ {
			px := (float32(ox)+0.5)/s - 0.5
			out.Set(ox, oy, imaging.SampleLanczos(src, px, py))
		}
	}
	return out
}
