package pipeline

import (
	"sync"
	"time"
)

// Progress is one report delivered to a Sink.
type Progress struct {
	RunID    string    `json:"run_id"`
	Fraction float64   `json:"fraction"`
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Sink receives progress. Report is called from the run goroutine and must
// not block for long; delivery to other goroutines is the sink's concern.
type Sink interface {
	Report(Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Progress)

func (f SinkFunc) Report(p Progress) { f(p) }

// ChannelSink forwards reports to a bounded channel, dropping when full.
type ChannelSink struct {
	C       chan Progress
	mu      sync.Mutex
	dropped int
}

func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelSink{C: make(chan Progress, capacity)}
}

func (s *ChannelSink) Report(p Progress) {
	select {
	case s.C <- p:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped counts reports lost because the channel was full.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

type multiSink []Sink

func (m multiSink) Report(p Progress) {
	for _, s := range m {
		s.Report(p)
	}
}

// Tee fans reports out to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// stage weights of the overall [0,1] range, in state machine order
var stageSpan = map[Stage][2]float64{
	StageIdle:           {0, 0},
	StageAligningPrior:  {0, 0.05},
	StageAligning:       {0.05, 0.40},
	StageFusing:         {0.40, 0.70},
	StageSuperResolving: {0.70, 0.90},
	StageRefining:       {0.70, 0.98},
	StageComplete:       {1, 1},
	StageFailed:         {0, 0},
}

const minReportInterval = 100 * time.Millisecond

// tracker turns state transitions into rate-limited, non-decreasing
// progress reports.
type tracker struct {
	runID string
	sink  Sink
	now   func() time.Time

	mu       sync.Mutex
	last     float64
	lastAt   time.Time
	lastStep Stage
}

func newTracker(runID string, sink Sink, now func() time.Time) *tracker {
	if now == nil {
		now = time.Now
	}
	return &tracker{runID: runID, sink: sink, now: now}
}

// fraction maps a state to its position in the overall run.
func fraction(s State) float64 {
	span := stageSpan[s.Stage()]
	var done, total int
	switch v := s.(type) {
	case Aligning:
		done, total = v.Frame, v.Total
	case Fusing:
		done, total = v.Frame, v.Total
	case SuperResolving:
		done, total = v.Tile, v.Total
	case Refining:
		done, total = v.Tile, v.Total
	case Idle, AligningPrior, Complete, Failed:
	default:
		panic("unhandled state")
	}
	if total <= 0 {
		return span[0]
	}
	f := float64(done) / float64(total)
	return span[0] + (span[1]-span[0])*min(1, max(0, f))
}

func (t *tracker) update(s State) {
	if t == nil || t.sink == nil {
		return
	}
	t.mu.Lock()
	f := max(t.last, fraction(s))
	now := t.now()
	stage := s.Stage()
	if stage == t.lastStep && !Terminal(s) && now.Sub(t.lastAt) < minReportInterval {
		t.mu.Unlock()
		return
	}
	t.last, t.lastAt, t.lastStep = f, now, stage
	t.mu.Unlock()

	t.sink.Report(Progress{RunID: t.runID, Fraction: f, Stage: stage, Message: Describe(s), Time: now})
}
