package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	RelayMessages      *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	CredentialAttempts *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram

	stages *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg; tests pass a fresh
// registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active relayed live sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		RelayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relay websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by code.",
		}, []string{"code"}),
		CredentialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_attempts_total",
			Help:      "Ephemeral credential issuance attempts by outcome.",
		}, []string{"outcome"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of user input to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		stages: newLatencyWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	switch event {
	case "started":
		m.ActiveSessions.Inc()
	case "ended":
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveRelayMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveProviderError(code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(code).Inc()
	m.stages.Count("provider_error")
}

func (m *Metrics) ObserveCredentialAttempt(outcome string) {
	if m == nil {
		return
	}
	m.CredentialAttempts.WithLabelValues(outcome).Inc()
	if outcome != "ok" {
		m.stages.Count("credential_" + outcome)
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstAudio, float64(d.Microseconds())/1000)
}

// ObserveStage records a latency sample in the rolling stage window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.Count(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return newLatencyWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
