// Package metrics exposes Prometheus collectors for scans, suggestions, token
// spend and the execution gate.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dottask"

// Scan outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	scans          *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	suggestions    prometheus.Counter
	rejected       prometheus.Counter
	skippedDup     prometheus.Counter
	failedBatches  prometheus.Counter
	tokens         prometheus.Counter
	gateWait       prometheus.Histogram
	executions     *prometheus.CounterVec
	liveClients    prometheus.Gauge
	lifecycleMoves *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan cycles by outcome.",
		}, []string{"outcome", "reason"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of completed scan cycles.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 60, 120},
		}),
		suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_created_total",
			Help:      "Task suggestions added to the store.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_rejected_total",
			Help:      "Suggestions discarded as ungrounded.",
		}),
		skippedDup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_duplicate_total",
			Help:      "Source items skipped because they were already tracked.",
		}),
		failedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_batches_failed_total",
			Help:      "Classification batches that failed after the fallback retry.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_tokens_total",
			Help:      "Completion tokens consumed by scans.",
		}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time callers spent queued on the execution gate.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 1.5, 3, 6, 15},
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Sandbox executions by result.",
		}, []string{"result"}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_clients",
			Help:      "Connected WebSocket clients.",
		}),
		lifecycleMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by target status.",
		}, []string{"to"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scans, m.scanDuration, m.suggestions, m.rejected, m.skippedDup,
		m.failedBatches, m.tokens, m.gateWait, m.executions, m.liveClients,
		m.lifecycleMoves,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ScanResult is the subset of a scan's counters recorded here.
type ScanResult struct {
	SuggestionsCreated int
	Rejected           int
	SkippedDuplicate   int
	FailedBatches      int
	TokensUsed         int
	Duration           time.Duration
}

func (m *Metrics) ObserveScan(r ScanResult) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(OutcomeCompleted, "").Inc()
	m.scanDuration.Observe(r.Duration.Seconds())
	m.suggestions.Add(float64(r.SuggestionsCreated))
	m.rejected.Add(float64(r.Rejected))
	m.skippedDup.Add(float64(r.SkippedDuplicate))
	m.failedBatches.Add(float64(r.FailedBatches))
	m.tokens.Add(float64(r.TokensUsed))
}

func (m *Metrics) ScanSkipped(reason string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(OutcomeSkipped, reason).Inc()
}

func (m *Metrics) ScanFailed() {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(OutcomeFailed, "").Inc()
}

// GateWait is shaped for gate.Gate.OnWait.
func (m *Metrics) GateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.Observe(d.Seconds())
}

func (m *Metrics) Execution(result string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLiveClients(n int) {
	if m == nil {
		return
	}
	m.liveClients.Set(float64(n))
}

func (m *Metrics) TaskTransition(to string) {
	if m == nil {
		return
	}
	m.lifecycleMoves.WithLabelValues(to).Inc()
}
