package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the pipeline and the
// negotiation endpoint.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	RealtimeMessages   *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	PlaybackChunks     *prometheus.CounterVec
	NegotiationLatency prometheus.Histogram
	FirstAudioLatency  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg gets a private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live realtime voice sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RealtimeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_total",
			Help:      "Realtime protocol messages by direction and type.",
		}, []string{"direction", "type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound messages rejected by kind.",
		}, []string{"kind"}),
		PlaybackChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Assistant audio chunks by playback result.",
		}, []string{"result"}),
		NegotiationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_latency_ms",
			Help:      "Time to obtain a session credential in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200, 8000},
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from input commit to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveNegotiationLatency(d time.Duration) {
	m.NegotiationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	m.RealtimeMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
