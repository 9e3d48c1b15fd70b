package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"

	"burstfuse/internal/config"
	"burstfuse/internal/grpcserver"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/server"
	"burstfuse/internal/storage"
	"burstfuse/internal/tasks"
)

const version = "0.4.0"

type jobQueue interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Event, func())
}

// stackFunc builds the processing stack on first use.
type stackFunc func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Stack, error)

type serverFunc func(ctx context.Context, cfg *config.Config, st *Stack, log *slog.Logger) error

// defaultServe runs the HTTP and gRPC surfaces until ctx ends or one fails.
func defaultServe(ctx context.Context, cfg *config.Config, st *Stack, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	httpSrv := server.NewServer(cfg.Server.HTTPAddr, st.Store, st.Queue, st.Governor, st.Metrics, log)
	go func() { errs <- httpSrv.Start(ctx) }()
	n := 1
	if cfg.Server.GRPCAddr != "" {
		n++
		rpc := grpcserver.New(st.Queue, st.Store, st.Governor, log)
		go func() { errs <- rpc.Serve(ctx, cfg.Server.GRPCAddr) }()
	}

	var first error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Root wires CLI commands to the job queue.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	out     io.Writer
	errOut  io.Writer
	stackFn stackFunc
	serveFn serverFunc

	stack *Stack
	// queue overrides stack.Queue, for tests.
	queue jobQueue
	store *storage.Store
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		cfg:     cfg,
		log:     logger,
		out:     os.Stdout,
		errOut:  os.Stderr,
		stackFn: Build,
		serveFn: defaultServe,
	}
}

// Close releases the stack if one was built.
func (r *Root) Close() error {
	if r.stack != nil {
		return r.stack.Close()
	}
	return nil
}

func (r *Root) ensureStack(ctx context.Context) (*Stack, error) {
	if r.stack != nil {
		return r.stack, nil
	}
	st, err := r.stackFn(ctx, r.cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.stack = st
	if r.queue == nil && st.Queue != nil {
		r.queue = st.Queue
	}
	if r.store == nil {
		r.store = st.Store
	}
	return st, nil
}

func (r *Root) jobs(ctx context.Context) (jobQueue, error) {
	if r.queue != nil {
		return r.queue, nil
	}
	if _, err := r.ensureStack(ctx); err != nil {
		return nil, err
	}
	if r.queue == nil {
		return nil, fmt.Errorf("job queue unavailable")
	}
	return r.queue, nil
}

// progressSink renders pipeline progress as a terminal bar.
type progressSink struct {
	w     io.Writer
	bar   *progressbar.ProgressBar
	stage pipeline.Stage
}

const barSteps = 1000

func newProgressSink(w io.Writer, label string) *progressSink {
	bar := progressbar.NewOptions(barSteps,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	return &progressSink{w: w, bar: bar}
}

func (s *progressSink) Report(p pipeline.Progress) {
	if p.Stage != s.stage {
		s.stage = p.Stage
		s.bar.Describe(string(p.Stage))
	}
	_ = s.bar.Set(int(p.Fraction * barSteps))
}

func (s *progressSink) Finish() {
	_ = s.bar.Finish()
	fmt.Fprintln(s.w)
}

// submitAndWait queues job and blocks until its result event. Progress is
// forwarded to sink when non-nil.
func (r *Root) submitAndWait(ctx context.Context, job pipeline.Job, sink pipeline.Sink) (pipeline.Event, error) {
	q, err := r.jobs(ctx)
	if err != nil {
		return pipeline.Event{}, err
	}
	events, unsubscribe := q.Subscribe()
	defer unsubscribe()

	id, err := q.Submit(job)
	if err != nil {
		return pipeline.Event{}, err
	}
	r.log.Info("Job queued", "type", job.Type, "id", id, "input", job.InputPath)

	for {
		select {
		case <-ctx.Done():
			return pipeline.Event{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return pipeline.Event{}, fmt.Errorf("queue stopped before job %s finished", id)
			}
			if ev.JobID != id {
				continue
			}
			if ev.Kind == pipeline.EventProgress && sink != nil && ev.Progress != nil {
				sink.Report(*ev.Progress)
			}
			if ev.Kind == pipeline.EventResult {
				if ev.Status != "completed" {
					return ev, fmt.Errorf("job %s %s: %s", id, ev.Status, ev.Error)
				}
				return ev, nil
			}
		}
	}
}

// printMeta writes result metadata as sorted key: value lines.
func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-22s %v\n", k+":", meta[k])
	}
}

// defaultOutput names the fused image for a burst directory.
func defaultOutput(outDir, burstDir string) string {
	name := filepath.Base(filepath.Clean(burstDir))
	if name == "." || name == string(filepath.Separator) {
		name = "burst"
	}
	return filepath.Join(outDir, name+"-fused.png")
}

// watchInbox submits a fuse job for every settled burst directory under
// inbox until ctx ends.
func (r *Root) watchInbox(ctx context.Context, inbox, outDir, preset string, existing bool) error {
	q, err := r.jobs(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	submit := func(dir string) {
		job, err := pipeline.NewJob(string(pipeline.JobFuse), dir, defaultOutput(outDir, dir), preset, map[string]any{"source": "watch"})
		if err != nil {
			r.log.Error("Invalid watch job", "dir", dir, "error", err)
			return
		}
		if _, err := q.Submit(job); err != nil {
			r.log.Error("Failed to queue burst", "dir", dir, "error", err)
		}
	}

	results, unsubscribe := q.Subscribe()
	defer unsubscribe()

	if existing {
		bursts, err := tasks.FindBursts(inbox)
		if err != nil {
			return err
		}
		for _, b := range bursts {
			submit(b.Path)
		}
	}

	w, err := tasks.NewBurstWatcher(inbox, 0, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	r.log.Info("Watching inbox", "inbox", inbox, "output", outDir, "preset", preset)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			submit(ev.Dir)
		case ev, ok := <-results:
			if !ok {
				return nil
			}
			if ev.Kind != pipeline.EventResult {
				continue
			}
			if ev.Status == "completed" {
				r.log.Info("Burst fused", "id", ev.JobID, "output", ev.Meta["output"])
			} else {
				r.log.Warn("Burst not fused", "id", ev.JobID, "status", ev.Status, "error", ev.Error)
			}
		}
	}
}

func (r *Root) printScan(res tasks.ScanResult) {
	fmt.Fprintf(r.out, "Images: %d\n", len(res.Images))
	fmt.Fprintf(r.out, "Bursts: %d\n", len(res.Bursts))
	for _, b := range res.Bursts {
		var flags []string
		if b.HasManifest {
			flags = append(flags, "manifest")
		}
		if b.HasGyro {
			flags = append(flags, "gyro")
		}
		fmt.Fprintf(r.out, "  %s  frames=%d  detection=%s", b.Path, b.Frames, b.Detection)
		if len(flags) > 0 {
			fmt.Fprintf(r.out, "  [%s]", strings.Join(flags, ","))
		}
		fmt.Fprintln(r.out)
	}
}
