package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus counters and gauges exported by the streaming
// engine, covering both the owner-facing HTTP surface and the per-session
// state machine internals (fetch retries, ABR switches, quota evictions).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	sessionsOpenedTotal prometheus.Counter
	sessionsEndedTotal  prometheus.Counter
	activeSessions      prometheus.Gauge

	fetchAttemptsTotal prometheus.Counter
	fetchRetriesTotal  prometheus.Counter
	fetchFailuresTotal *prometheus.CounterVec

	segmentAppendsTotal  prometheus.Counter
	quotaEvictionsTotal  prometheus.Counter
	variantSwitchesTotal prometheus.Counter
	bufferedBytes        prometheus.Gauge
}

// New creates and registers the engine's Prometheus metrics against a fresh
// private registry (per the teacher's pattern of not touching the default
// global registry).
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_requests_total",
		Help: "Total number of Owner API HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsOpenedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_sessions_opened_total",
		Help: "Total number of sessions opened",
	})
	sessionsEndedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_sessions_ended_total",
		Help: "Total number of sessions closed through the Owner API",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamcore_active_sessions",
		Help: "Number of sessions currently tracked by the registry",
	})
	fetchAttemptsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_fetch_attempts_total",
		Help: "Total number of fetch attempts across all sessions",
	})
	fetchRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_fetch_retries_total",
		Help: "Total number of fetch retries following a transient error",
	})
	fetchFailuresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_fetch_failures_total",
		Help: "Total number of fetches that ended in a classified failure (fatal, skip, or transient after retries), by kind",
	}, []string{"kind"})
	segmentAppendsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_segment_appends_total",
		Help: "Total number of segments appended to a sink",
	})
	quotaEvictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_quota_evictions_total",
		Help: "Total number of AppendQueue quota-exceeded evictions",
	})
	variantSwitchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_variant_switches_total",
		Help: "Total number of variant switches, automatic (ABR) and owner-requested",
	})
	bufferedBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamcore_buffered_bytes",
		Help: "Bytes held in the segment store of the session that last reported its buffer level (not summed across sessions)",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsOpenedTotal,
		sessionsEndedTotal,
		activeSessions,
		fetchAttemptsTotal,
		fetchRetriesTotal,
		fetchFailuresTotal,
		segmentAppendsTotal,
		quotaEvictionsTotal,
		variantSwitchesTotal,
		bufferedBytes,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		sessionsOpenedTotal:  sessionsOpenedTotal,
		sessionsEndedTotal:   sessionsEndedTotal,
		activeSessions:       activeSessions,
		fetchAttemptsTotal:   fetchAttemptsTotal,
		fetchRetriesTotal:    fetchRetriesTotal,
		fetchFailuresTotal:   fetchFailuresTotal,
		segmentAppendsTotal:  segmentAppendsTotal,
		quotaEvictionsTotal:  quotaEvictionsTotal,
		variantSwitchesTotal: variantSwitchesTotal,
		bufferedBytes:        bufferedBytes,
	}
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }
func (m *Metrics) IncErrors()   { m.errorsTotal.Inc() }

func (m *Metrics) IncSessionsOpened() { m.sessionsOpenedTotal.Inc() }
func (m *Metrics) IncSessionsEnded()  { m.sessionsEndedTotal.Inc() }
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

func (m *Metrics) IncFetchAttempts() { m.fetchAttemptsTotal.Inc() }
func (m *Metrics) IncFetchRetries()  { m.fetchRetriesTotal.Inc() }
func (m *Metrics) IncFetchFailure(kind string) {
	m.fetchFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSegmentAppends()  { m.segmentAppendsTotal.Inc() }
func (m *Metrics) IncQuotaEvictions()  { m.quotaEvictionsTotal.Inc() }
func (m *Metrics) IncVariantSwitches() { m.variantSwitchesTotal.Inc() }
func (m *Metrics) SetBufferedBytes(n int64) { m.bufferedBytes.Set(float64(n)) }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
