package metrics

import (
	"net/http"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StageDetection = "detection"
	StageIdentity  = "identity"
	StageAnalyze   = "analyze"
	StageNarrative = "narrative"
	StageSink      = "sink"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesProcessed prometheus.Counter
	framesSkipped   prometheus.Counter
	eventsEmitted   *prometheus.CounterVec
	backendFailures *prometheus.CounterVec
	launches        *prometheus.CounterVec
	processLatency  prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_frames_processed_total",
			Help: "Total frames run through the event pipeline",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_frames_skipped_total",
			Help: "Frames skipped because the source was paused",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_events_emitted_total",
			Help: "Events returned by the pipeline, by type",
		}, []string{"type"}),
		backendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_backend_failures_total",
			Help: "Backend calls that failed and contributed nothing",
		}, []string{"stage"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_async_launches_total",
			Help: "Async stage launch attempts by outcome",
		}, []string{"stage", "outcome"}),
		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_process_seconds",
			Help:    "Synchronous per-frame processing time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.framesProcessed,
		m.framesSkipped,
		m.eventsEmitted,
		m.backendFailures,
		m.launches,
		m.processLatency,
	)

	return m
}

func (m *Metrics) ObserveFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.processLatency.Observe(d.Seconds())
}

func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

func (m *Metrics) EventsEmitted(events []models.VideoEvent) {
	if m == nil {
		return
	}
	for _, e := range events {
		m.eventsEmitted.WithLabelValues(string(e.Type)).Inc()
	}
}

func (m *Metrics) BackendFailure(stage string) {
	if m == nil {
		return
	}
	m.backendFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Launch(stage, outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(stage, outcome).Inc()
}

// Registry exposes the underlying registry for tests and handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
