package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"burstfuse/internal/burst"
	"burstfuse/internal/detail"
	"burstfuse/internal/imageio"
	"burstfuse/internal/imaging"
	"burstfuse/internal/motion"
	"burstfuse/internal/quality"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	loader  burstLoader
	runner  runner
	writeFn writeFunc
	opts    Options
}

type burstLoader interface {
	Load(ctx context.Context, dir string) (*imageio.Burst, error)
}

type runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

type writeFunc func(path string, img *imaging.Image) error

// NewRouter builds the Processor used by Queue: bursts come from loader,
// fuse jobs go to engine.
func NewRouter(loader *imageio.Loader, engine *Engine, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:     logger,
		loader:  loader,
		runner:  engine,
		writeFn: imageio.WriteImage,
		opts:    engine.Options(),
	}
}

func (r *router) Process(ctx context.Context, job Job, sink Sink) JobResult {
	switch job.Type {
	case JobFuse:
		return r.handleFuse(ctx, job, sink)
	case JobMask:
		return r.handleMask(ctx, job)
	case JobAssess:
		return r.handleAssess(ctx, job)
	default:
		return JobResult{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) load(ctx context.Context, job Job) (*imageio.Burst, error) {
	b, err := r.loader.Load(ctx, job.InputPath)
	if err != nil {
		return nil, &StageError{Stage: StageIdle, Reason: err.Error(), Kind: ErrInput, Err: err}
	}
	return b, nil
}

func (r *router) handleFuse(ctx context.Context, job Job, sink Sink) JobResult {
	b, err := r.load(ctx, job)
	if err != nil {
		return JobResult{Job: job, Error: err}
	}
	req := Request{
		ID:         job.ID,
		Frames:     b.Frames,
		Preset:     job.Preset,
		Intrinsics: b.Intrinsics,
		Sink:       sink,
		FrameDelay: b.FrameDelay,
		Input:      job.InputPath,
	}
	if secs, ok := job.Options["budget_seconds"].(float64); ok && secs > 0 {
		req.Budget = time.Duration(secs * float64(time.Second))
	}

	res, err := r.runner.Run(ctx, req)
	if err != nil {
		return JobResult{Job: job, Error: err}
	}

	meta := resultMeta(res)
	if job.Output != "" {
		if err := r.writeFn(job.Output, res.Image); err != nil {
			return JobResult{Job: job, Error: fmt.Errorf("write output: %w", err), Meta: meta, Run: res}
		}
		meta["output"] = job.Output
	}
	if path, ok := job.Options["mask_overlay"].(string); ok && path != "" && res.DetailMask != nil {
		if err := writeOverlay(path, b.Frames[res.Reference].Source, res.DetailMask); err != nil {
			r.log.Warn("Failed to write detail overlay", "job", job.ID, "path", path, "error", err)
		} else {
			meta["mask_overlay"] = path
		}
	}
	return JobResult{Job: job, Meta: meta, Run: res}
}

func (r *router) handleMask(ctx context.Context, job Job) JobResult {
	b, err := r.load(ctx, job)
	if err != nil {
		return JobResult{Job: job, Error: err}
	}
	if err := burst.Validate(b.Frames); err != nil {
		return JobResult{Job: job, Error: inputError("%v", err)}
	}
	ref := b.Frames[quality.SelectReference(quality.ScoreFrames(b.Frames))].Source
	mask := detail.Compute(ref, r.opts.Detail)
	meta := map[string]any{
		"tiles_x":         mask.TilesX(),
		"tiles_y":         mask.TilesY(),
		"detail_tiles":    mask.Count(),
		"detail_fraction": mask.Fraction(),
	}
	if job.Output != "" {
		if err := writeOverlay(job.Output, ref, mask); err != nil {
			return JobResult{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = job.Output
	}
	return JobResult{Job: job, Meta: meta}
}

func (r *router) handleAssess(ctx context.Context, job Job) JobResult {
	b, err := r.load(ctx, job)
	if err != nil {
		return JobResult{Job: job, Error: err}
	}
	if err := burst.Validate(b.Frames); err != nil {
		return JobResult{Job: job, Error: inputError("%v", err)}
	}
	ref := quality.SelectReference(quality.ScoreFrames(b.Frames))
	est := motion.Estimator{Intrinsics: r.opts.Intrinsics}
	if b.Intrinsics != nil {
		est.Intrinsics = *b.Intrinsics
	}
	hs := est.Chain(b.Frames, ref)
	w, h := b.Frames[0].Width(), b.Frames[0].Height()
	report := quality.Assess(quality.ShiftsFromHomographies(hs, w, h), r.opts.Diversity)
	suggested := quality.SuggestDelay(b.FrameDelay, report.MeanShift, r.opts.ShiftLow, r.opts.ShiftHigh)

	return JobResult{Job: job, Meta: map[string]any{
		"frames":                len(b.Frames),
		"reference":             ref,
		"gyro_samples":          b.GyroSamples,
		"diversity":             report.Diversity,
		"mean_shift":            report.MeanShift,
		"max_shift":             report.MaxShift,
		"advisory":              string(report.Advisory),
		"hint":                  report.Advisory.Hint(),
		"frame_delay_ms":        b.FrameDelay.Milliseconds(),
		"suggested_frame_delay": suggested.Milliseconds(),
	}}
}

func resultMeta(res *Result) map[string]any {
	reasons := make([]string, 0, len(res.FallbackReasons))
	for _, fr := range res.FallbackReasons {
		reasons = append(reasons, string(fr))
	}
	return map[string]any{
		"run_id":                   res.ID,
		"preset":                   res.Preset.String(),
		"width":                    res.Width,
		"height":                   res.Height,
		"scale":                    res.Scale,
		"frames_used":              res.FramesUsed,
		"reference":                res.Reference,
		"coverage":                 res.Coverage,
		"mfsr_applied":             res.MFSRApplied,
		"sr_tiles_processed":       res.SRTilesProcessed,
		"sr_tiles_total":           res.SRTilesTotal,
		"detail_fraction":          res.DetailFraction,
		"diversity":                res.Diversity.Diversity,
		"advisory":                 string(res.Advisory),
		"suggested_frame_delay_ms": res.SuggestedFrameDelay.Milliseconds(),
		"fallback":                 res.Fallback,
		"fallback_reasons":         reasons,
		"duration_ms":              res.Duration.Milliseconds(),
	}
}

func writeOverlay(path string, base imaging.Source, mask *detail.Mask) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = detail.WriteOverlay(f, imaging.ToImage(base).ToRGBA64(), mask)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
