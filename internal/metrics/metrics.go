package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"burstfuse/internal/governor"
)

// Metrics holds run, tile and governor counters. All methods are safe on a
// nil receiver so core packages can record unconditionally.
type Metrics struct {
	// Run counters
	RunsStarted   atomic.Uint64
	RunsCompleted atomic.Uint64
	RunsFailed    atomic.Uint64
	RunsCancelled atomic.Uint64
	RunsFallback  atomic.Uint64
	RunsActive    atomic.Int64

	// Frame and tile counters
	FramesFused       atomic.Uint64
	FramesReleased    atomic.Uint64
	TilesModel        atomic.Uint64
	TilesInterpolated atomic.Uint64
	TilesFailed       atomic.Uint64

	// Governor readings; temperature is stored as millidegrees
	MemoryPercent atomic.Uint64
	TemperatureMC atomic.Int64
	ThermalState  atomic.Int64
	Threads       atomic.Int64

	// Fusion coverage of the last run, per mille
	CoveragePerMille atomic.Uint64

	stageDuration *prometheus.HistogramVec
	registry      *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "burstfuse_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.stageDuration)

	m.counter("burstfuse_runs_started_total", "Runs started", &m.RunsStarted)
	m.counter("burstfuse_runs_completed_total", "Runs that reached Complete", &m.RunsCompleted)
	m.counter("burstfuse_runs_failed_total", "Runs that ended in Error", &m.RunsFailed)
	m.counter("burstfuse_runs_cancelled_total", "Runs cancelled by the caller or budget", &m.RunsCancelled)
	m.counter("burstfuse_runs_fallback_total", "Completed runs tagged as fallback results", &m.RunsFallback)
	m.gauge("burstfuse_runs_active", "Runs in progress", func() float64 { return float64(m.RunsActive.Load()) })

	m.counter("burstfuse_frames_fused_total", "Frames contributing to fusion", &m.FramesFused)
	m.counter("burstfuse_frames_released_total", "Frame buffers released", &m.FramesReleased)
	m.counter("burstfuse_tiles_model_total", "Super-resolution tiles run through the model", &m.TilesModel)
	m.counter("burstfuse_tiles_interpolated_total", "Super-resolution tiles interpolated", &m.TilesInterpolated)
	m.counter("burstfuse_tiles_failed_total", "Model tile failures recovered by interpolation", &m.TilesFailed)

	m.gauge("burstfuse_memory_usage_percent", "Process memory against its budget", func() float64 { return float64(m.MemoryPercent.Load()) })
	m.gauge("burstfuse_temperature_celsius", "Last device temperature reading", func() float64 { return float64(m.TemperatureMC.Load()) / 1000 })
	m.gauge("burstfuse_thermal_state", "Thermal state (0=normal, 1=warm, 2=hot, 3=critical)", func() float64 { return float64(m.ThermalState.Load()) })
	m.gauge("burstfuse_worker_threads", "Worker pool size", func() float64 { return float64(m.Threads.Load()) })
	m.gauge("burstfuse_fusion_coverage_ratio", "Coverage of the last fused image", func() float64 { return float64(m.CoveragePerMille.Load()) / 1000 })
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveGovernor stores the latest governor snapshot.
func (m *Metrics) ObserveGovernor(s governor.Snapshot) {
	if m == nil {
		return
	}
	m.MemoryPercent.Store(uint64(math.Round(s.MemoryFraction * 100)))
	if s.HasTemperature {
		m.TemperatureMC.Store(int64(s.TemperatureC * 1000))
	}
	m.ThermalState.Store(int64(s.Thermal))
	m.Threads.Store(int64(s.Threads))
}

// ObserveTiles adds super-resolution tile counts.
func (m *Metrics) ObserveTiles(model, interpolated, failed int) {
	if m == nil {
		return
	}
	m.TilesModel.Add(uint64(model))
	m.TilesInterpolated.Add(uint64(interpolated))
	m.TilesFailed.Add(uint64(failed))
}

// ObserveFusion records frames used and coverage.
func (m *Metrics) ObserveFusion(frames int, coverage float64) {
	if m == nil {
		return
	}
	m.FramesFused.Add(uint64(frames))
	m.CoveragePerMille.Store(uint64(math.Round(coverage * 1000)))
}

func (m *Metrics) FrameReleased() {
	if m == nil {
		return
	}
	m.FramesReleased.Add(1)
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Add(1)
	m.RunsActive.Add(1)
}

// RunFinished classifies a finished run. outcome is one of complete,
// fallback, cancelled or error.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunsActive.Add(-1)
	switch outcome {
	case "complete":
		m.RunsCompleted.Add(1)
	case "fallback":
		m.RunsCompleted.Add(1)
		m.RunsFallback.Add(1)
	case "cancelled":
		m.RunsCancelled.Add(1)
	default:
		m.RunsFailed.Add(1)
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
