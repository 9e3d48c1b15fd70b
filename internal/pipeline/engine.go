package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"burstfuse/internal/align"
	"burstfuse/internal/burst"
	"burstfuse/internal/detail"
	"burstfuse/internal/fusion"
	"burstfuse/internal/governor"
	"burstfuse/internal/imaging"
	"burstfuse/internal/logging"
	"burstfuse/internal/metrics"
	"burstfuse/internal/motion"
	"burstfuse/internal/parallel"
	"burstfuse/internal/quality"
	"burstfuse/internal/superres"
)

// FallbackReason explains why a result is degraded.
type FallbackReason string

const (
	FallbackExcessiveMotion FallbackReason = "excessive_motion"
	FallbackLowCoverage     FallbackReason = "low_coverage"
	FallbackAlignment       FallbackReason = "alignment_failed"
	FallbackMemory          FallbackReason = "memory_exceeded"
	FallbackModel           FallbackReason = "model_failed"
)

// Options configures every stage the engine drives. Zero values fall back
// to each package's defaults.
type Options struct {
	Align     align.Options            `json:"alignment"`
	Fusion    fusion.Options           `json:"fusion"`
	SuperRes  superres.Options         `json:"superres"`
	Detail    detail.Options           `json:"detail"`
	Diversity quality.DiversityOptions `json:"diversity"`

	Intrinsics motion.Intrinsics `json:"intrinsics"`
	// RefineStrength is the model weight of the Ultra refine blend, clamped
	// to [0,1]. 0 keeps the interpolated image. Nil uses DefaultRefineStrength.
	RefineStrength *float32 `json:"refine_strength,omitempty"`
	SharpenAmount  float32  `json:"sharpen_amount"`
	// MinCoverage flags results whose fused coverage falls below it.
	MinCoverage float64 `json:"min_coverage"`
	// MaxFrames caps the frames fused per run; the reference always counts.
	MaxFrames int `json:"max_frames"`
	// MemoryBudget bounds the estimated fusion footprint in bytes. Above it
	// fusion runs at 1x.
	MemoryBudget int64 `json:"memory_budget"`
	// BudgetScale multiplies the preset wall-clock budget.
	BudgetScale float64 `json:"budget_scale"`
	// ShiftLow and ShiftHigh bound the preferred mean inter-frame shift in
	// pixels for capture timing suggestions.
	ShiftLow  float64 `json:"shift_low"`
	ShiftHigh float64 `json:"shift_high"`
}

// DefaultRefineStrength applies when Options.RefineStrength is nil.
const DefaultRefineStrength float32 = 0.8

func DefaultOptions() Options {
	return Options{
		Align:         align.DefaultOptions(),
		Fusion:        fusion.DefaultOptions(),
		SuperRes:      superres.DefaultOptions(),
		Detail:        detail.DefaultOptions(),
		Diversity:     quality.DefaultDiversityOptions(),
		SharpenAmount: 0.6,
		MinCoverage:   0.5,
		BudgetScale:   1,
		ShiftLow:      0.5,
		ShiftHigh:     2,
	}
}

// Request is one burst to process.
type Request struct {
	ID     string
	Frames []*burst.Frame
	// Arena optionally wraps Frames; one is created when nil. The engine
	// always releases every slot before Run returns.
	Arena  *burst.Arena
	Preset Preset
	// DetailMask overrides the computed mask. It is addressed in input
	// pixel coordinates.
	DetailMask *detail.Mask
	Intrinsics *motion.Intrinsics
	Sink       Sink
	// OnState observes every transition. Tile transitions may arrive from
	// worker goroutines.
	OnState func(State)
	// Budget overrides the preset wall-clock budget.
	Budget time.Duration
	// FrameDelay is the capture delay used for the timing suggestion.
	FrameDelay time.Duration
	Input      string
}

type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

type Result struct {
	ID         string         `json:"id"`
	Preset     Preset         `json:"preset"`
	Image      *imaging.Image `json:"-"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Scale      float64        `json:"scale"`
	FramesUsed int            `json:"frames_used"`
	Reference  int            `json:"reference"`
	Coverage   float64        `json:"coverage"`
	// MFSRApplied is set when fusion itself upsampled.
	MFSRApplied      bool `json:"mfsr_applied"`
	SRTilesProcessed int  `json:"sr_tiles_processed"`
	SRTilesTotal     int  `json:"sr_tiles_total"`

	DetailMask          *detail.Mask     `json:"-"`
	DetailFraction      float64          `json:"detail_fraction"`
	Diversity           quality.Report   `json:"diversity"`
	Advisory            quality.Advisory `json:"advisory"`
	SuggestedFrameDelay time.Duration    `json:"suggested_frame_delay"`

	Fallback        bool             `json:"fallback"`
	FallbackReasons []FallbackReason `json:"fallback_reasons,omitempty"`
	Duration        time.Duration    `json:"duration"`
	Stages          []StageTiming    `json:"stages"`
}

func (r *Result) addFallback(reason FallbackReason) {
	r.Fallback = true
	r.FallbackReasons = append(r.FallbackReasons, reason)
}

// Engine runs bursts through the stage machine. It is safe for concurrent
// runs; they share the pool and governor.
type Engine struct {
	opts    Options
	gov     *governor.Governor
	pool    *parallel.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Enhancer runs on detail tiles in the Max preset. It must keep scale 1.
	Enhancer superres.Model
	// Upscaler refines the whole image in the Ultra preset.
	Upscaler superres.Model

	now func() time.Time

	mu    sync.Mutex
	state State
}

// NewEngine wires an engine. A nil governor never throttles; a nil pool
// runs serially.
func NewEngine(opts Options, gov *governor.Governor, pool *parallel.Pool, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if gov == nil {
		gov = governor.New(governor.DefaultOptions(), nil, nil, logger)
	}
	d := DefaultOptions()
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = d.MinCoverage
	}
	if opts.BudgetScale <= 0 {
		opts.BudgetScale = d.BudgetScale
	}
	if opts.ShiftHigh <= 0 {
		opts.ShiftLow, opts.ShiftHigh = d.ShiftLow, d.ShiftHigh
	}
	strength := DefaultRefineStrength
	if opts.RefineStrength != nil {
		strength = max(0, min(1, *opts.RefineStrength))
	}
	opts.RefineStrength = &strength
	if opts.SharpenAmount <= 0 {
		opts.SharpenAmount = d.SharpenAmount
	}
	if opts.Diversity == (quality.DiversityOptions{}) {
		opts.Diversity = d.Diversity
	}
	if opts.Detail.TileSize <= 0 {
		opts.Detail = d.Detail
	}
	return &Engine{
		opts:     opts,
		gov:      gov,
		pool:     pool,
		logger:   logger,
		metrics:  m,
		Enhancer: superres.Sharpen{Amount: opts.SharpenAmount},
		Upscaler: superres.Interpolator{Factor: 4, Kernel: superres.CatmullRom},
		now:      time.Now,
		state:    Idle{},
	}
}

func (e *Engine) Options() Options             { return e.opts }
func (e *Engine) Governor() *governor.Governor { return e.gov }
func (e *Engine) Metrics() *metrics.Metrics    { return e.metrics }

// State is the latest state of the most recent run.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// run carries the per-request bookkeeping.
type run struct {
	e       *Engine
	id      string
	arena   *burst.Arena
	tracker *tracker
	onState func(State)
	logger  *slog.Logger

	mu       sync.Mutex
	cur      Stage
	curStart time.Time
	stages   []StageTiming
}

func (r *run) set(s State) {
	now := r.e.now()
	stage := s.Stage()
	r.mu.Lock()
	if stage != r.cur {
		r.closeStage(now)
		r.cur, r.curStart = stage, now
		if !Terminal(s) && stage != StageIdle {
			logging.LogStage(r.logger, r.id, string(stage), "started", nil)
		}
	}
	r.mu.Unlock()

	r.e.setState(s)
	if r.onState != nil {
		r.onState(s)
	}
	r.tracker.update(s)
}

// closeStage must be called with r.mu held.
func (r *run) closeStage(now time.Time) {
	switch r.cur {
	case "", StageIdle, StageComplete, StageFailed:
		return
	}
	d := now.Sub(r.curStart)
	r.stages = append(r.stages, StageTiming{Stage: r.cur, Duration: d})
	r.e.metrics.ObserveStage(string(r.cur), d)
}

func (r *run) timings() []StageTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStage(r.e.now())
	r.cur = StageComplete
	return append([]StageTiming(nil), r.stages...)
}

// ReleaseProcessed lets the governor free consumed frames.
func (r *run) ReleaseProcessed() int {
	n := r.arena.ReleaseProcessed()
	for i := 0; i < n; i++ {
		r.e.metrics.FrameReleased()
	}
	return n
}

func (r *run) checkpoint(ctx context.Context) error {
	return r.e.gov.Checkpoint(ctx, r)
}

// Run processes one burst. It returns a complete result, possibly flagged
// as a fallback, or a *StageError matching one of ErrInput,
// ErrResourceExhausted, ErrCancelled or ErrStage.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	start := e.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	cfg := req.Preset.Config()

	arena := req.Arena
	if arena == nil {
		arena = burst.NewArena(req.Frames)
	}
	defer arena.ReleaseAll()

	r := &run{
		e:       e,
		id:      req.ID,
		arena:   arena,
		tracker: newTracker(req.ID, req.Sink, e.now),
		onState: req.OnState,
		logger:  e.logger.With("run_id", req.ID),
	}
	e.metrics.RunStarted()
	logging.LogRunStart(e.logger, req.ID, req.Preset.String(), req.Input, len(req.Frames))

	res, stage, err := e.execute(ctx, r, req, cfg)
	if err != nil {
		se := classify(stage, err)
		// buffers go before the error is reported
		arena.ReleaseAll()
		if errors.Is(se, ErrCancelled) {
			r.set(Idle{})
			e.metrics.RunFinished("cancelled")
		} else {
			r.set(Failed{At: se.Stage, Reason: se.Reason, Err: se})
			e.metrics.RunFinished("error")
		}
		logging.LogRunError(e.logger, req.ID, req.Preset.String(), e.now().Sub(start), se, map[string]any{
			"stage": string(se.Stage),
		})
		return nil, se
	}

	res.ID = req.ID
	res.Preset = req.Preset
	res.Width, res.Height = res.Image.Width(), res.Image.Height()
	res.Duration = e.now().Sub(start)
	res.Stages = r.timings()
	r.set(Complete{Result: res})

	outcome := "complete"
	if res.Fallback {
		outcome = "fallback"
	}
	e.metrics.RunFinished(outcome)
	logging.LogRunComplete(e.logger, req.ID, req.Preset.String(), res.Duration, map[string]any{
		"size":        fmt.Sprintf("%dx%d", res.Width, res.Height),
		"frames_used": res.FramesUsed,
		"coverage":    fmt.Sprintf("%.3f", res.Coverage),
		"fallback":    res.FallbackReasons,
	})
	return res, nil
}

func (e *Engine) validate(req Request) error {
	if len(req.Frames) == 0 {
		return inputError("%v", burst.ErrNoFrames)
	}
	if err := burst.Validate(req.Frames); err != nil {
		return &StageError{Stage: StageIdle, Reason: err.Error(), Kind: ErrInput, Err: err}
	}
	if len(req.Frames) < 2 {
		return inputError("preset %s fuses frames and needs at least 2, got %d", req.Preset, len(req.Frames))
	}
	if req.Arena != nil && req.Arena.Len() != len(req.Frames) {
		return inputError("arena holds %d frames, request has %d", req.Arena.Len(), len(req.Frames))
	}
	if req.DetailMask != nil {
		w, h := req.Frames[0].Width(), req.Frames[0].Height()
		ts := req.DetailMask.TileSize()
		if req.DetailMask.TilesX()*ts < w || req.DetailMask.TilesY()*ts < h {
			return inputError("detail mask covers %dx%d, frames are %dx%d", req.DetailMask.TilesX()*ts, req.DetailMask.TilesY()*ts, w, h)
		}
	}
	return nil
}

// execute walks the state machine. It returns the stage an error came from.
func (e *Engine) execute(parent context.Context, r *run, req Request, cfg PresetConfig) (*Result, Stage, error) {
	if err := e.validate(req); err != nil {
		return nil, StageIdle, err
	}

	budget := req.Budget
	if budget <= 0 {
		budget = time.Duration(float64(cfg.Budget) * e.opts.BudgetScale)
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	frames := req.Frames
	w, h := frames[0].Width(), frames[0].Height()
	res := &Result{}

	// AligningPrior: reference selection and gyro homographies.
	r.set(AligningPrior{Frames: len(frames)})
	ref := quality.SelectReference(quality.ScoreFrames(frames))
	r.arena.Pin(ref)
	res.Reference = ref

	intr := e.opts.Intrinsics
	if req.Intrinsics != nil {
		intr = *req.Intrinsics
	}
	priors := motion.Estimator{Intrinsics: intr}.Chain(frames, ref)
	order := e.frameOrder(r, len(frames), ref)

	others := make([]motion.Homography, 0, len(order))
	for _, i := range order {
		if i != ref {
			others = append(others, priors[i])
		}
	}
	prior := quality.Assess(quality.ShiftsFromHomographies(others, w, h), e.opts.Diversity)
	if err := r.checkpoint(ctx); err != nil {
		return nil, StageAligningPrior, err
	}
	refFrame, err := r.arena.Peek(ref)
	if err != nil {
		return nil, StageAligningPrior, err
	}

	if prior.Advisory == quality.AdvisoryExcessiveMotion {
		r.logger.Warn("Excessive motion in burst, returning reference frame", "max_shift", prior.MaxShift)
		res.Image = fusion.Upscale(refFrame.Source, cfg.FusionScale)
		res.Scale = float64(cfg.FusionScale)
		res.FramesUsed = 1
		res.Coverage = 1
		res.Diversity, res.Advisory = prior, prior.Advisory
		res.SuggestedFrameDelay = quality.SuggestDelay(req.FrameDelay, prior.MeanShift, e.opts.ShiftLow, e.opts.ShiftHigh)
		res.addFallback(FallbackExcessiveMotion)
		return res, StageComplete, nil
	}

	// Aligning: refine each frame against the reference.
	ao := e.opts.Align
	ao.TileSize = e.gov.ScaleTile(ao.TileSize, minAlignTile)
	aligner := align.New(ao, e.pool, r.logger)
	prepared := aligner.Prepare(refFrame.Source)
	fields := make([]*align.Field, len(frames))
	shifts := make([]quality.Shift, 0, len(order))
	var refined, tiles int
	done := 0
	total := len(order) - 1
	r.set(Aligning{Frame: 0, Total: total})
	for _, i := range order {
		if i == ref {
			continue
		}
		f, err := r.arena.Acquire(i)
		if err != nil {
			return nil, StageAligning, err
		}
		field, st, err := aligner.Align(ctx, prepared, f.Source, priors[i], cfg.PatternAlign || f.Pattern)
		r.arena.Return(i)
		if err != nil {
			if ctx.Err() != nil {
				return nil, StageAligning, ctx.Err()
			}
			r.logger.Warn("Alignment failed, using motion prior", "frame", i, "error", err)
			field = align.FromHomography(priors[i], w, h, aligner.Options().TileSize)
			st = align.Stats{Tiles: len(field.Vectors)}
			st.MeanDX, st.MeanDY = field.Mean()
		}
		fields[i] = field
		refined += st.Refined + st.Pattern
		tiles += st.Tiles
		shifts = append(shifts, quality.Shift{DX: st.MeanDX, DY: st.MeanDY})

		done++
		r.set(Aligning{Frame: done, Total: total})
		if err := r.checkpoint(ctx); err != nil {
			return nil, StageAligning, err
		}
	}
	if tiles > 0 && refined == 0 {
		r.logger.Warn("No tile refined beyond the motion prior")
		res.addFallback(FallbackAlignment)
	}
	res.Diversity = quality.Assess(shifts, e.opts.Diversity)
	res.Advisory = res.Diversity.Advisory
	res.SuggestedFrameDelay = quality.SuggestDelay(req.FrameDelay, res.Diversity.MeanShift, e.opts.ShiftLow, e.opts.ShiftHigh)

	// Fusing.
	scale := cfg.FusionScale
	if need := estimateFusionBytes(w, h, scale, len(order), cfg.Method); e.opts.MemoryBudget > 0 && scale > 1 && need > e.opts.MemoryBudget {
		r.logger.Warn("Fusion estimate exceeds memory budget, fusing at 1x",
			"estimate_mb", need>>20, "budget_mb", e.opts.MemoryBudget>>20)
		scale = 1
		res.addFallback(FallbackMemory)
	}
	fo := e.opts.Fusion
	fo.Method = cfg.Method
	fo.Scale = scale
	fo.Wiener = fo.Wiener || cfg.Wiener
	fuser := fusion.New(fo, e.pool, r.logger)

	consumed := 0
	r.set(Fusing{Frame: 0, Total: total})
	fused, err := fuser.Fuse(ctx, fusion.Input{Arena: r.arena, Reference: ref, Fields: fields, Frames: order}, fusion.Hooks{
		Consumed: func(int) {
			consumed++
			r.set(Fusing{Frame: consumed, Total: total})
		},
		Checkpoint: r.checkpoint,
	})
	if err != nil {
		return nil, StageFusing, err
	}
	e.metrics.ObserveFusion(fused.FramesUsed, fused.Coverage)
	res.Image = fused.Image
	res.FramesUsed = fused.FramesUsed
	res.Coverage = fused.Coverage
	res.MFSRApplied = fused.Scale > 1
	if fused.Coverage < e.opts.MinCoverage {
		r.logger.Warn("Low fusion coverage", "coverage", fused.Coverage, "min", e.opts.MinCoverage)
		res.addFallback(FallbackLowCoverage)
	}

	// Detail mask, in input coordinates.
	var mask *detail.Mask
	if cfg.DetailMask || cfg.SelectiveSR {
		mask = req.DetailMask
		if mask == nil {
			mask = detail.Compute(refFrame.Source, e.opts.Detail)
		}
		res.DetailMask = mask
		res.DetailFraction = mask.Fraction()
	}
	// the reference is read for the last time above
	r.arena.Release(ref)

	if cfg.SelectiveSR {
		out, err := e.superResolve(ctx, r, e.Enhancer, res.Image, mask.Resample(fused.Scale), 1, func(done, total int) {
			r.set(SuperResolving{Tile: done, Total: total})
		})
		switch {
		case err == nil:
			res.Image = out.Image
			res.SRTilesProcessed, res.SRTilesTotal = out.ModelTiles, out.Tiles
		case isModelFailure(err):
			r.logger.Warn("Super-resolution failed, keeping fused image", "error", err)
			res.addFallback(FallbackModel)
		default:
			return nil, StageSuperResolving, err
		}
	}

	if cfg.Refine {
		out, err := e.superResolve(ctx, r, e.Upscaler, res.Image, nil, *e.opts.RefineStrength, func(done, total int) {
			r.set(Refining{Tile: done, Total: total})
		})
		switch {
		case err == nil:
			res.Image = out.Image
			res.SRTilesProcessed += out.ModelTiles
			res.SRTilesTotal += out.Tiles
		case isModelFailure(err):
			r.logger.Warn("Refinement failed, keeping fused image", "error", err)
			res.addFallback(FallbackModel)
		default:
			return nil, StageRefining, err
		}
	}

	res.Scale = float64(res.Image.Width()) / float64(w)
	return res, StageComplete, nil
}

// frameOrder lists the frames to fuse in input order, capped at MaxFrames.
// Frames left out are released immediately.
func (e *Engine) frameOrder(r *run, n, ref int) []int {
	limit := n
	if e.opts.MaxFrames > 1 && e.opts.MaxFrames < n {
		limit = e.opts.MaxFrames
	}
	order := make([]int, 0, limit)
	order = append(order, ref)
	for i := 0; i < n; i++ {
		if i == ref {
			continue
		}
		if len(order) < limit {
			order = append(order, i)
		} else {
			r.arena.Release(i)
		}
	}
	// input order, reference included
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

// estimateFusionBytes approximates the accumulator plus output footprint.
func estimateFusionBytes(w, h, scale, frames int, m fusion.Method) int64 {
	px := int64(w*scale) * int64(h*scale)
	// sum (3 floats), weight, count, output image
	n := px * (12 + 4 + 1 + 12)
	if m == fusion.MethodTrimmedMean {
		n += px * 12 * int64(frames)
	}
	return n
}

// minAlignTile bounds how far thermal throttling shrinks alignment tiles.
const minAlignTile = 16

func isModelFailure(err error) bool {
	return errors.Is(err, superres.ErrAllTilesFailed) || errors.Is(err, superres.ErrOutputTooLarge)
}

func (e *Engine) superResolve(ctx context.Context, r *run, model superres.Model, img *imaging.Image, mask *detail.Mask, strength float32, progress func(done, total int)) (*superres.Result, error) {
	so := e.opts.SuperRes
	so.TileSize = e.gov.TileSize(max(32, so.TileSize))
	so.Strength = strength
	stage := superres.New(model, so, e.pool, r.logger)
	progress(0, 0)
	out, err := stage.Run(ctx, img, mask, superres.Hooks{
		Tile:       progress,
		Checkpoint: r.checkpoint,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveTiles(out.ModelTiles, out.InterpolatedTiles, out.FailedTiles)
	return out, nil
}
