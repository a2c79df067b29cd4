package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RolloutFinished("COMPLETED", time.Second)
	m.RolloutPolled("IN_PROGRESS")
	m.HarnessReady(time.Second)
	m.RunFinished("succeeded")

	called := false
	h := m.Instrument("/x", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	if !called {
		t.Error("wrapped handler not called")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.RolloutPolled("IN_PROGRESS")
	m.RolloutPolled("IN_PROGRESS")
	m.RolloutPolled("error")
	m.RolloutFinished("TIMED_OUT", 20*time.Second)
	m.RunFinished("unhealthy")

	if got := testutil.ToFloat64(m.rolloutPolls.WithLabelValues("IN_PROGRESS")); got != 2 {
		t.Errorf("IN_PROGRESS polls = %v", got)
	}
	if got := testutil.ToFloat64(m.rolloutOutcomes.WithLabelValues("TIMED_OUT")); got != 1 {
		t.Errorf("TIMED_OUT outcomes = %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("unhealthy")); got != 1 {
		t.Errorf("unhealthy runs = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RunFinished("succeeded")

	h := m.Instrument("/api/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/health", nil))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`shipyard_runs_total{category="succeeded"} 1`,
		`shipyard_api_http_requests_total{method="GET",route="/api/health",status="418"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
