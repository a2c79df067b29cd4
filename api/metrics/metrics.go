package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	durationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200}
	readyBuckets    = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}
	httpBuckets     = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

// Metrics holds the shipyard collectors. A nil *Metrics is valid and
// records nothing, so packages can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	rolloutOutcomes *prometheus.CounterVec
	rolloutPolls    *prometheus.CounterVec
	rolloutDuration prometheus.Histogram
	harnessReady    prometheus.Histogram
	runs            *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rolloutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Name:      "rollout_outcomes_total",
			Help:      "Rollout attempts by terminal outcome",
		}, []string{"state"}),
		rolloutPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Name:      "rollout_polls_total",
			Help:      "Rollout state queries by result",
		}, []string{"result"}),
		rolloutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Name:      "rollout_duration_seconds",
			Help:      "Time from registration to terminal rollout outcome",
			Buckets:   durationBuckets,
		}),
		harnessReady: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Name:      "harness_ready_seconds",
			Help:      "Time for an ephemeral dependency to pass its readiness probe",
			Buckets:   readyBuckets,
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Name:      "runs_total",
			Help:      "Finished orchestrator runs by category",
		}, []string{"category"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rolloutOutcomes,
		m.rolloutPolls,
		m.rolloutDuration,
		m.harnessReady,
		m.runs,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RolloutFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rolloutOutcomes.WithLabelValues(state).Inc()
	m.rolloutDuration.Observe(elapsed.Seconds())
}

// RolloutPolled records one rollout query; result is the observed state
// or "error".
func (m *Metrics) RolloutPolled(result string) {
	if m == nil {
		return
	}
	m.rolloutPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) HarnessReady(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.harnessReady.Observe(elapsed.Seconds())
}

func (m *Metrics) RunFinished(category string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(category).Inc()
}

// Instrument wraps a handler with request count and latency metrics.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.httpRequests.With(labels).Inc()
		m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Flush lets websocket and streaming handlers see through the recorder.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
