package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"burstfuse/internal/config"
	"burstfuse/internal/governor"
	"burstfuse/internal/pipeline"
)

func TestRunCommandQueuesFuseJob(t *testing.T) {
	root, queue, out := newTestRoot(t)
	dir := filepath.Join(t.TempDir(), "burst-7")

	if err := execute(root, "run", dir, "--no-progress", "--budget", "12"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	jobs := queue.submitted()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Type != pipeline.JobFuse || job.Preset != pipeline.PresetBalanced {
		t.Fatalf("unexpected job %+v", job)
	}
	want := filepath.Join(root.cfg.Paths.DefaultOutput, "burst-7-fused.png")
	if job.Output != want {
		t.Fatalf("expected default output %s, got %s", want, job.Output)
	}
	if job.Options["budget_seconds"] != 12.0 || job.Options["source"] != "cli" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if !strings.Contains(out.String(), "fuse completed") || !strings.Contains(out.String(), "frames_used:") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunCommandModes(t *testing.T) {
	root, queue, _ := newTestRoot(t)
	dir := filepath.Join(t.TempDir(), "b")

	if err := execute(root, "run", dir, "--mode", "mask"); err != nil {
		t.Fatalf("mask failed: %v", err)
	}
	if err := execute(root, "run", dir, "-m", "assess", "-p", "ultra"); err != nil {
		t.Fatalf("assess failed: %v", err)
	}
	jobs := queue.submitted()
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}
	if jobs[0].Type != pipeline.JobMask || !strings.HasSuffix(jobs[0].Output, "b-mask.png") {
		t.Fatalf("unexpected mask job %+v", jobs[0])
	}
	if jobs[1].Type != pipeline.JobAssess || jobs[1].Output != "" || jobs[1].Preset != pipeline.PresetUltra {
		t.Fatalf("unexpected assess job %+v", jobs[1])
	}
}

func TestRunCommandValidatesArguments(t *testing.T) {
	root, queue, _ := newTestRoot(t)
	for _, args := range [][]string{
		{"run"},
		{"run", "/a", "--preset", "extreme"},
		{"run", "/a", "--mode", "timelapse"},
	} {
		if err := execute(root, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
	if n := len(queue.submitted()); n != 0 {
		t.Fatalf("invalid invocations queued %d jobs", n)
	}
}

func TestRunCommandPropagatesFailure(t *testing.T) {
	root, queue, _ := newTestRoot(t)
	queue.fail = map[string]string{"/broken": "decode failed"}
	err := execute(root, "run", "/broken", "--no-progress")
	if err == nil || !strings.Contains(err.Error(), "decode failed") {
		t.Fatalf("expected failure to propagate, got %v", err)
	}
}

func TestProgressSinkRendersStages(t *testing.T) {
	var buf bytes.Buffer
	sink := newProgressSink(&buf, "max")
	sink.Report(pipeline.Progress{Fraction: 0.2, Stage: pipeline.StageAligning})
	sink.Report(pipeline.Progress{Fraction: 0.6, Stage: pipeline.StageFusing})
	sink.Finish()
	if sink.stage != pipeline.StageFusing {
		t.Fatalf("sink did not track stage, got %s", sink.stage)
	}
	if !strings.Contains(buf.String(), string(pipeline.StageFusing)) {
		t.Fatalf("expected stage in bar output, got %q", buf.String())
	}
}

func TestScanCommandListsBursts(t *testing.T) {
	root, _, out := newTestRoot(t)
	base := t.TempDir()
	touch(t, filepath.Join(base, "seq", "frame_001.jpg"))
	touch(t, filepath.Join(base, "seq", "frame_002.jpg"))
	touch(t, filepath.Join(base, "single", "photo.jpg"))

	if err := execute(root, "scan", base); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "Images: 3") || !strings.Contains(s, "Bursts: 1") || !strings.Contains(s, "filename_sequence") {
		t.Fatalf("unexpected scan output %q", s)
	}
}

func TestWatchSubmitsExistingBursts(t *testing.T) {
	root, queue, _ := newTestRoot(t)
	inbox := t.TempDir()
	touch(t, filepath.Join(inbox, "b1", "f_1.png"))
	touch(t, filepath.Join(inbox, "b1", "f_2.png"))
	outDir := filepath.Join(t.TempDir(), "fused")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.watchInbox(ctx, inbox, outDir, "fast", true) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(queue.submitted()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	jobs := queue.submitted()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if jobs[0].Preset != pipeline.PresetFast || jobs[0].Output != filepath.Join(outDir, "b1-fused.png") {
		t.Fatalf("unexpected watch job %+v", jobs[0])
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Fatalf("output directory not created: %v", err)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, cfg *config.Config, st *Stack, log *slog.Logger) error {
		called = true
		if cfg.Server.HTTPAddr != ":9999" || cfg.Server.GRPCAddr != "" {
			t.Fatalf("unexpected addresses %+v", cfg.Server)
		}
		if st == nil {
			t.Fatal("stack not built")
		}
		return nil
	}
	if err := execute(root, "serve", "--http", ":9999", "--grpc", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

type fakeRemote struct {
	events []map[string]any
	req    []string
}

func (f *fakeRemote) Submit(ctx context.Context, jobType, input, output, preset string) (string, error) {
	f.req = []string{jobType, input, output, preset}
	return "remote-1", nil
}

func (f *fakeRemote) Watch(ctx context.Context, jobID string, fn func(map[string]any) error) error {
	for _, ev := range f.events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func TestSubmitRemoteWaitsForResult(t *testing.T) {
	root, _, out := newTestRoot(t)
	remote := &fakeRemote{events: []map[string]any{
		{"kind": "progress", "progress": map[string]any{"fraction": 0.5, "stage": "fusing"}},
		{"kind": "result", "status": "completed", "meta": map[string]any{"width": 800.0}},
	}}
	if err := root.submitRemote(context.Background(), remote, "fuse", "/b", "/o.png", "max", true); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if strings.Join(remote.req, ",") != "fuse,/b,/o.png,max" {
		t.Fatalf("unexpected request %v", remote.req)
	}
	if !strings.Contains(out.String(), "remote-1 completed") || !strings.Contains(out.String(), "width:") {
		t.Fatalf("unexpected output %q", out.String())
	}

	remote.events = []map[string]any{{"kind": "result", "status": "failed", "error": "boom"}}
	if err := root.submitRemote(context.Background(), remote, "fuse", "/b", "", "", true); err == nil {
		t.Fatal("expected failed remote job to error")
	}
}

func TestPresetsAndConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	cfgPath := filepath.Join(t.TempDir(), "cfg", "config.json")
	t.Setenv("BURSTFUSE_CONFIG", cfgPath)

	if err := execute(root, "presets"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"fast", "balanced", "max", "ultra"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("preset %s missing from %q", name, out.String())
		}
	}

	out.Reset()
	if err := execute(root, "config", "show"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "not found, using defaults") || !strings.Contains(out.String(), `"preset": "balanced"`) {
		t.Fatalf("unexpected config output %q", out.String())
	}

	if err := execute(root, "config", "init"); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := config.LoadFile(cfgPath); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if err := execute(root, "config", "init"); err == nil {
		t.Fatal("expected second init to refuse overwriting")
	}

	out.Reset()
	if err := execute(root, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "burstfuse v"+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestEngineOptionsFallsBackToTier(t *testing.T) {
	cfg := config.Default()
	td := governor.TierMid.Defaults(4)
	opts := EngineOptions(cfg, td)
	if opts.MaxFrames != td.Frames || opts.BudgetScale != td.BudgetScale {
		t.Fatalf("expected tier defaults, got frames=%d scale=%v", opts.MaxFrames, opts.BudgetScale)
	}

	cfg.Processing.MaxFrames = 3
	cfg.Processing.BudgetScale = 0.5
	cfg.Processing.MemoryLimit = "1GB"
	opts = EngineOptions(cfg, td)
	if opts.MaxFrames != 3 || opts.BudgetScale != 0.5 || opts.MemoryBudget != 1<<30 {
		t.Fatalf("config overrides ignored: %+v", opts)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakeQueue, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "burstfuse.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	queue := newFakeQueue()
	out := &bytes.Buffer{}
	root := &Root{
		cfg:    cfg,
		log:    logger,
		out:    out,
		errOut: io.Discard,
		queue:  queue,
		stackFn: func(context.Context, *config.Config, *slog.Logger) (*Stack, error) {
			return &Stack{}, nil
		},
		serveFn: defaultServe,
	}
	return root, queue, out
}

func execute(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

// fakeQueue answers every job with a progress and a result event.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	subs   map[int]chan pipeline.Event
	nextID int
	fail   map[string]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{subs: make(map[int]chan pipeline.Event)}
}

func (q *fakeQueue) Submit(job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.ID = "job-" + string(rune('a'+len(q.jobs)))
	q.jobs = append(q.jobs, job)

	result := pipeline.Event{Kind: pipeline.EventResult, JobID: job.ID, Status: "completed",
		Meta: map[string]any{"frames_used": 4}}
	if msg, ok := q.fail[job.InputPath]; ok {
		result.Status, result.Error, result.Meta = "failed", msg, nil
	}
	progress := pipeline.Event{Kind: pipeline.EventProgress, JobID: job.ID,
		Progress: &pipeline.Progress{RunID: job.ID, Fraction: 0.5, Stage: pipeline.StageFusing}}
	for _, ch := range q.subs {
		ch <- progress
		ch <- result
	}
	return job.ID, nil
}

func (q *fakeQueue) Subscribe() (<-chan pipeline.Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	ch := make(chan pipeline.Event, 16)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
	}
}

func (q *fakeQueue) submitted() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.jobs...)
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
