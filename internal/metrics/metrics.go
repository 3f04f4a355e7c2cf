// Package metrics exposes the server's Prometheus instruments on a private
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "athena"

type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	reasoning         *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec
	synthesis         *prometheus.CounterVec
	voiceSessions     prometheus.Gauge
	rateLimited       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		reasoning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_exchanges_total",
			Help:      "Reasoning exchanges by backend and outcome (ok, fallback, rejected).",
		}, []string{"backend", "outcome"}),
		reasoningDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoning_duration_seconds",
			Help:      "Reasoning round-trip latency.",
			Buckets:   []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"backend"}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_requests_total",
			Help:      "Speech synthesis requests by outcome.",
		}, []string{"outcome"}),
		voiceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Open voice websocket sessions.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration,
		m.reasoning, m.reasoningDuration,
		m.synthesis, m.voiceSessions, m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveReasoning implements llm.Observer.
func (m *Metrics) ObserveReasoning(backend, outcome string, elapsed float64) {
	if m == nil {
		return
	}
	m.reasoning.WithLabelValues(backend, outcome).Inc()
	m.reasoningDuration.WithLabelValues(backend).Observe(elapsed)
}

// ObserveSynthesis implements speech.Observer.
func (m *Metrics) ObserveSynthesis(outcome string) {
	if m == nil {
		return
	}
	m.synthesis.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VoiceSessionOpened() {
	if m != nil {
		m.voiceSessions.Inc()
	}
}

func (m *Metrics) VoiceSessionClosed() {
	if m != nil {
		m.voiceSessions.Dec()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
