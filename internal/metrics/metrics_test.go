package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveReasoning("athena", "fallback", 0.5)
	m.ObserveReasoning("athena", "fallback", 1.5)
	m.ObserveReasoning("athena", "ok", 0.2)
	m.ObserveSynthesis("error")
	m.RateLimited()
	m.VoiceSessionOpened()
	m.VoiceSessionOpened()
	m.VoiceSessionClosed()
	m.ObserveRequest("/api/chat/history", http.StatusOK, 10*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.reasoning.WithLabelValues("athena", "fallback")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reasoning.WithLabelValues("athena", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.synthesis.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	require.Equal(t, 1.0, testutil.ToFloat64(m.voiceSessions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/chat/history", "200")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveSynthesis("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `athena_synthesis_requests_total{outcome="ok"} 1`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveReasoning("athena", "ok", 1)
		m.ObserveSynthesis("ok")
		m.ObserveRequest("/", 200, time.Second)
		m.RateLimited()
		m.VoiceSessionOpened()
		m.VoiceSessionClosed()
	})
}
