package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	Sessions        prometheus.GaugeFunc
	Turns           *prometheus.CounterVec
	TurnErrors      *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	StreamFragments prometheus.Counter
	StageLatency    *prometheus.HistogramVec

	stages *StageWindow
}

// NewMetrics registers the instruments on reg. sessions reports the live transcript
// count and may be nil.
func NewMetrics(namespace string, reg *prometheus.Registry, sessions func() float64) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if sessions == nil {
		sessions = func() float64 { return 0 }
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Sessions: f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of transcripts held by the session store.",
		}, sessions),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by mode (text, stream, voice) and outcome.",
		}, []string{"mode", "outcome"}),
		TurnErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_errors_total",
			Help:      "Failed or degraded turns by error kind.",
		}, []string{"kind"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream errors by stage, provider and kind.",
		}, []string{"stage", "provider", "kind"}),
		StreamFragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Reply fragments forwarded to streaming clients.",
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"stage"}),
		stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) ObserveTurnError(kind string) {
	if m == nil {
		return
	}
	m.TurnErrors.WithLabelValues(kind).Inc()
	m.stages.ObserveIndicator(kind)
}

func (m *Metrics) ObserveProviderError(stage, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(stage, provider, kind).Inc()
}

func (m *Metrics) ObserveFragment() {
	if m == nil {
		return
	}
	m.StreamFragments.Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// SnapshotStages returns rolling per-stage latency percentiles.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
