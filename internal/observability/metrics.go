package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	InFlight             prometheus.Gauge
	Exchanges            *prometheus.CounterVec
	BackendErrors        *prometheus.CounterVec
	ConversionFallbacks  prometheus.Counter
	ChunksSent           prometheus.Counter
	CompletionLatency    prometheus.Histogram
	TranscriptionLatency prometheus.Histogram
}

// NewMetricsWith registers the instruments with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	latencyBuckets := []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000}
	return &Metrics{
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_in_flight",
			Help:      "Number of exchanges currently being handled.",
		}),
		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Handled inbound events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Completion and transcription backend failures.",
		}, []string{"op"}),
		ConversionFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_fallbacks_total",
			Help:      "Audio conversions that failed and fell back to the original file.",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Outbound reply chunks delivered to the transport.",
		}),
		CompletionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Completion backend latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		TranscriptionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_ms",
			Help:      "Transcription backend latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
	}
}

func (m *Metrics) ExchangeStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) ExchangeFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Exchanges.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) BackendError(op string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ConversionFallback() {
	if m == nil {
		return
	}
	m.ConversionFallbacks.Inc()
}

func (m *Metrics) ChunkSent() {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTranscriptionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.TranscriptionLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
