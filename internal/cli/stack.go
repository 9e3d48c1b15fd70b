package cli

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"burstfuse/internal/config"
	"burstfuse/internal/governor"
	"burstfuse/internal/imageio"
	"burstfuse/internal/metrics"
	"burstfuse/internal/parallel"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
	"burstfuse/internal/superres"
	"burstfuse/internal/superres/magick"
)

// Stack is everything a command needs to process bursts.
type Stack struct {
	Tier     governor.Tier
	Caps     governor.Capabilities
	Governor *governor.Governor
	Pool     *parallel.Pool
	Metrics  *metrics.Metrics
	Engine   *pipeline.Engine
	Loader   *imageio.Loader
	Store    *storage.Store
	Queue    *pipeline.Queue
}

// Close stops the queue and releases the store.
func (s *Stack) Close() error {
	if s.Queue != nil {
		s.Queue.Stop()
	}
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}

// EngineOptions maps the configuration onto engine options. Zero-valued
// processing settings take the tier defaults.
func EngineOptions(cfg *config.Config, td governor.TierDefaults) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Align = cfg.Alignment
	opts.Fusion = cfg.Fusion
	opts.Detail = cfg.Detail
	opts.SuperRes = cfg.SuperRes.Options
	opts.RefineStrength = cfg.SuperRes.RefineStrength
	opts.SharpenAmount = cfg.SuperRes.SharpenAmount
	opts.MinCoverage = cfg.Processing.MinCoverage
	opts.MemoryBudget = int64(cfg.MemoryLimitBytes())

	opts.MaxFrames = cfg.Processing.MaxFrames
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = td.Frames
	}
	opts.BudgetScale = cfg.Processing.BudgetScale
	if opts.BudgetScale <= 0 {
		opts.BudgetScale = td.BudgetScale
	}
	if opts.SuperRes.TileSize <= 0 {
		opts.SuperRes.TileSize = td.TileSize
	}
	return opts
}

// Build detects the device, then wires governor, pool, engine, loader, run
// history and a job queue with the configured number of workers.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Stack, error) {
	caps, err := governor.LinuxDetector{}.Detect(ctx)
	if err != nil {
		log.Warn("Capability detection incomplete", "error", err)
	}
	tier := governor.Classify(caps)
	td := tier.Defaults(caps.Cores)

	threads := cfg.Processing.Threads
	if threads <= 0 {
		threads = td.Threads
	}

	memLimit := cfg.MemoryLimitBytes()
	if memLimit == 0 && caps.TotalMemoryMB > 0 {
		// half of device memory
		memLimit = uint64(caps.TotalMemoryMB) << 19
	}

	m := metrics.New()
	pool := parallel.New(threads)
	gov := governor.New(cfg.GovernorOptions(),
		governor.RuntimeMemory{LimitBytes: memLimit},
		governor.SysfsThermal{Root: cfg.Governor.ThermalRoot},
		log)
	gov.Attach(pool, threads)
	gov.OnSnapshot = m.ObserveGovernor

	engine := pipeline.NewEngine(EngineOptions(cfg, td), gov, pool, m, log)
	if strings.EqualFold(cfg.SuperRes.Backend, "magick") {
		engine.Upscaler = magick.New(cfg.SuperRes.ModelScale)
	} else {
		engine.Upscaler = superres.Interpolator{Factor: cfg.SuperRes.ModelScale, Kernel: cfg.SuperRes.Fallback}
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	loader := imageio.NewLoader(cfg.Processing.Magick, log)
	router := pipeline.NewRouter(loader, engine, log)
	queue := pipeline.NewQueue(ctx, max(1, cfg.Processing.ParallelJobs), router, store, log)

	log.Info("Engine ready",
		"tier", tier,
		"cores", caps.Cores,
		"memory_mb", caps.TotalMemoryMB,
		"threads", threads,
		"max_frames", engine.Options().MaxFrames,
		"upscaler", engine.Upscaler.Name(),
		"go", runtime.Version(),
	)
	return &Stack{
		Tier:     tier,
		Caps:     caps,
		Governor: gov,
		Pool:     pool,
		Metrics:  m,
		Engine:   engine,
		Loader:   loader,
		Store:    store,
		Queue:    queue,
	}, nil
}
