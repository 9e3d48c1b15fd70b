package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"burstfuse/internal/storage"
)

// JobType enumerates supported request categories.
type JobType string

const (
	// JobFuse runs the full engine and writes the output image.
	JobFuse JobType = "fuse"
	// JobMask renders the detail mask of the reference frame.
	JobMask JobType = "mask"
	// JobAssess reports burst diversity and a capture timing suggestion.
	JobAssess JobType = "assess"
)

var (
	// ErrQueueFull is returned by Submit when no worker can take the job.
	ErrQueueFull    = errors.New("job queue is full")
	ErrQueueStopped = errors.New("job queue is stopped")
)

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Preset    Preset         `json:"preset"`
	Options   map[string]any `json:"options,omitempty"`
}

// NewJob validates a submission from an outer surface. The preset
// defaults to balanced and the type to fuse.
func NewJob(jobType, input, output, preset string, options map[string]any) (Job, error) {
	if input == "" {
		return Job{}, errors.New("input is required")
	}
	job := Job{
		Type:      JobType(jobType),
		InputPath: input,
		Output:    output,
		Preset:    PresetBalanced,
		Options:   options,
	}
	if preset != "" {
		p, err := ParsePreset(preset)
		if err != nil {
			return Job{}, err
		}
		job.Preset = p
	}
	switch job.Type {
	case "":
		job.Type = JobFuse
	case JobFuse, JobMask, JobAssess:
	default:
		return Job{}, fmt.Errorf("unknown job type: %s", jobType)
	}
	return job, nil
}

// JobResult captures the outcome of a Job.
type JobResult struct {
	Job   Job            `json:"job"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta"`
	// Run is set for fuse jobs that reached the engine.
	Run *Result `json:"-"`
}

// Status is the run-history status for the result.
func (r JobResult) Status() string {
	switch {
	case r.Error == nil:
		return "completed"
	case errors.Is(r.Error, ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// Processor executes a job and returns a JobResult.
type Processor interface {
	Process(ctx context.Context, job Job, sink Sink) JobResult
}

// EventKind distinguishes progress updates from final results.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind      `json:"kind"`
	JobID    string         `json:"job_id"`
	Progress *Progress      `json:"progress,omitempty"`
	Status   string         `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Queue dispatches jobs across workers and fans events out to subscribers.
type Queue struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	stopped   bool
}

// NewQueue starts concurrency workers feeding processor.
func NewQueue(ctx context.Context, concurrency int, processor Processor, store *storage.Store, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Event),
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	return q
}

// Submit adds a job to the processing queue and returns its ID.
func (q *Queue) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobFuse
	}
	if q.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := q.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Preset:      job.Preset.String(),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			q.log.Warn("Failed to record queued run", "job", job.ID, "error", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", ErrQueueStopped
	}
	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		if q.store != nil {
			_ = q.store.RecordRunResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return "", ErrQueueFull
	}
}

// Stop cancels running jobs, waits for workers and closes subscriptions.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.jobs)
		q.mu.Unlock()
		q.cancel()
		q.wg.Wait()
		q.mu.Lock()
		for id, ch := range q.subs {
			close(ch)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	})
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, id, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, job Job) {
	start := time.Now()
	q.log.Info("Job started",
		"job", job.ID,
		"type", job.Type,
		"preset", job.Preset,
		"input", job.InputPath,
		"worker", worker)
	if q.store != nil {
		_ = q.store.RecordRunStart(job.ID)
	}

	sink := SinkFunc(func(p Progress) {
		p.RunID = job.ID
		q.broadcast(Event{Kind: EventProgress, JobID: job.ID, Progress: &p})
	})
	res := q.processor.Process(ctx, job, sink)
	res.Job = job
	status := res.Status()

	if res.Error != nil {
		q.log.Error("Job failed",
			"job", job.ID,
			"type", job.Type,
			"status", status,
			"duration", time.Since(start),
			"error", res.Error)
	} else {
		q.log.Info("Job completed",
			"job", job.ID,
			"type", job.Type,
			"duration", time.Since(start))
	}

	if q.store != nil {
		if err := q.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			q.log.Warn("Failed to record run result", "job", job.ID, "error", err)
		}
		if res.Run != nil {
			stages := make([]storage.StageRecord, 0, len(res.Run.Stages))
			for _, st := range res.Run.Stages {
				stages = append(stages, storage.StageRecord{Stage: string(st.Stage), Duration: st.Duration})
			}
			_ = q.store.RecordStages(job.ID, stages)
		}
	}

	q.broadcast(Event{
		Kind:   EventResult,
		JobID:  job.ID,
		Status: status,
		Error:  errString(res.Error),
		Meta:   res.Meta,
	})
}

// Subscribe returns a channel for receiving job events and an unsubscribe function.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan Event, 32)
	q.subs[id] = ch
	unsub := func() {
		q.mu.Lock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
		q.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (q *Queue) broadcast(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, ch := range q.subs {
		select {
		case ch <- ev:
		default:
			// progress is lossy, results are not expected to be
			if ev.Kind == EventResult {
				q.log.Warn("event channel full", "subscriber", id, "job", ev.JobID)
			}
		}
	}
}
