// Package metrics holds the Prometheus instruments of the summarization worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Tasks            *prometheus.CounterVec
	ChunksDispatched *prometheus.CounterVec
	ChatRetries      *prometheus.CounterVec
	AppendsHalted    prometheus.Counter
	SafetyNet        *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	InFlight         prometheus.Gauge
	FirstChunk       prometheus.Histogram
	StreamedRunes    prometheus.Histogram
}

// New creates the instruments on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Summarization tasks by outcome.",
		}, []string{"outcome"}),
		ChunksDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dispatched_total",
			Help:      "Chunks sent to live messages by call.",
		}, []string{"call"}),
		ChatRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_retries_total",
			Help:      "Chat surface call retries by method and reason.",
		}, []string{"method", "reason"}),
		AppendsHalted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_halted_total",
			Help:      "Live messages that stopped accepting appends mid-stream.",
		}),
		SafetyNet: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_net_total",
			Help:      "Failure cleanups by the remedy that left the final message.",
		}, []string{"remedy"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Successful summaries by delivery path.",
		}, []string{"path"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Summarization tasks currently running.",
		}),
		FirstChunk: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Time from opening the LLM stream to the first visible chunk in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		StreamedRunes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "streamed_runes",
			Help:      "Runes dispatched into one live message before it was closed.",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 8),
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChunkDispatched(call string) {
	if m == nil {
		return
	}
	m.ChunksDispatched.WithLabelValues(call).Inc()
}

func (m *Metrics) ChatRetry(method, reason string) {
	if m == nil {
		return
	}
	m.ChatRetries.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) AppendHalted() {
	if m == nil {
		return
	}
	m.AppendsHalted.Inc()
}

func (m *Metrics) SafetyNetUsed(remedy string) {
	if m == nil {
		return
	}
	m.SafetyNet.WithLabelValues(remedy).Inc()
}

func (m *Metrics) Delivered(path string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(path).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) TaskDone() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) ObserveFirstChunk(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunk.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveStreamedRunes(n int) {
	if m == nil {
		return
	}
	m.StreamedRunes.Observe(float64(n))
}
