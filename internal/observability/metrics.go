package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	OpenSessions    prometheus.Gauge
	Fragments       *prometheus.CounterVec
	Flushes         *prometheus.CounterVec
	SessionEvents   *prometheus.CounterVec
	Enrichment      *prometheus.CounterVec
	Sweeps          prometheus.Counter
	SweepDuration   prometheus.Histogram
	DeliveryLatency prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OpenSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Number of open transcript sessions seen by the last sweep.",
		}),
		Fragments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_ingested_total",
			Help:      "Transcript fragments by ingest result.",
		}, []string{"result"}),
		Flushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Session flushes by trigger and result.",
		}, []string{"trigger", "result"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Enrichment: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_total",
			Help:      "Summarization attempts by result.",
		}, []string{"result"}),
		Sweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed reaper sweeps.",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a reaper sweep.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_ms",
			Help:      "Latency of destination delivery calls in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 10000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveDeliveryLatency(d time.Duration) {
	m.DeliveryLatency.Observe(float64(d.Milliseconds()))
	m.ObserveFlushStage("deliver", d)
}

// ObserveFlushStage records a stage duration in the rolling window served by
// the batch status endpoint.
func (m *Metrics) ObserveFlushStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

// SetStageBudgets sets the time limit each stage runs under. The snapshot
// reports it with the number of recent samples that exceeded it.
func (m *Metrics) SetStageBudgets(budgets map[string]time.Duration) {
	if m == nil {
		return
	}
	m.stages.setBudgets(budgets)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.count(name)
}

func (m *Metrics) FlushStageSnapshot() FlushStageSnapshot {
	if m == nil {
		return FlushStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
