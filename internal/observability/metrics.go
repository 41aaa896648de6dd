package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	sendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	runDurationBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
	batchSizeBuckets    = []float64{1, 2, 5, 10, 25, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the client factory.
type Metrics struct {
	// Invocation metrics
	InvocationsTotal        *prometheus.CounterVec
	InvocationDuration      *prometheus.HistogramVec
	ValidationFailuresTotal *prometheus.CounterVec
	DryRunsTotal            *prometheus.CounterVec

	// Engine metrics
	SendRetriesTotal *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Bulk run metrics
	BulkRunsTotal     *prometheus.CounterVec
	BulkRunDuration   *prometheus.HistogramVec
	BulkRunSize       prometheus.Histogram
	BulkOutcomesTotal *prometheus.CounterVec
	BulkItemsInFlight prometheus.Gauge
	BulkRollbacksTotal *prometheus.CounterVec

	// Session metrics
	SessionSavesTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	SchemasIndexed        *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Invocations
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_invocations_total",
			Help: "Total number of method invocations.",
		}, []string{"client_id", "method", "status"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabrica_invocation_duration_seconds",
			Help:    "Method invocation duration in seconds.",
			Buckets: sendDurationBuckets,
		}, []string{"client_id", "method"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_validation_failures_total",
			Help: "Total number of payload validation failures.",
		}, []string{"client_id", "method"}),
		DryRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_dry_runs_total",
			Help: "Total number of dry-run invocations that returned a built request.",
		}, []string{"client_id", "method"}),

		// Engine
		SendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_send_retries_total",
			Help: "Total number of send retries.",
		}, []string{"host"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabrica_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"client_id"}),

		// Bulk runs
		BulkRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_bulk_runs_total",
			Help: "Total number of bulk runs.",
		}, []string{"mode", "state"}),
		BulkRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabrica_bulk_run_duration_seconds",
			Help:    "Bulk run duration in seconds.",
			Buckets: runDurationBuckets,
		}, []string{"mode"}),
		BulkRunSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabrica_bulk_run_size",
			Help:    "Number of items per bulk run.",
			Buckets: batchSizeBuckets,
		}),
		BulkOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_bulk_outcomes_total",
			Help: "Total number of bulk item outcomes.",
		}, []string{"status"}),
		BulkItemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabrica_bulk_items_in_flight",
			Help: "Number of bulk items currently executing.",
		}),
		BulkRollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_bulk_rollbacks_total",
			Help: "Total number of rollback passes after aborted runs.",
		}, []string{"status"}),

		// Sessions
		SessionSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_session_saves_total",
			Help: "Total number of session state saves.",
		}, []string{"client_id", "status"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabrica_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabrica_definitions_loaded",
			Help: "Number of loaded client definitions.",
		}),
		SchemasIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabrica_schemas_indexed",
			Help: "Number of indexed schema operations per client.",
		}, []string{"client_id"}),
	}

	reg.MustRegister(
		// Invocations
		m.InvocationsTotal,
		m.InvocationDuration,
		m.ValidationFailuresTotal,
		m.DryRunsTotal,
		// Engine
		m.SendRetriesTotal,
		m.BreakerState,
		// Bulk runs
		m.BulkRunsTotal,
		m.BulkRunDuration,
		m.BulkRunSize,
		m.BulkOutcomesTotal,
		m.BulkItemsInFlight,
		m.BulkRollbacksTotal,
		// Sessions
		m.SessionSavesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.SchemasIndexed,
	)

	return m
}

// --- Recording helpers ---

// StatusClass buckets an HTTP status code for the invocation status label.
// Non-HTTP failures use "error" and dry runs use "noexec".
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "error"
	}
}

// RecordInvocation records one method invocation.
func (m *Metrics) RecordInvocation(clientID, method, status string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(clientID, method, status).Inc()
	m.InvocationDuration.WithLabelValues(clientID, method).Observe(duration.Seconds())
}

// RecordValidationFailure records a payload validation failure.
func (m *Metrics) RecordValidationFailure(clientID, method string) {
	m.ValidationFailuresTotal.WithLabelValues(clientID, method).Inc()
}

// RecordDryRun records a dry-run invocation.
func (m *Metrics) RecordDryRun(clientID, method string) {
	m.DryRunsTotal.WithLabelValues(clientID, method).Inc()
}

// RecordSendRetry records a send retry against a host.
func (m *Metrics) RecordSendRetry(host string) {
	m.SendRetriesTotal.WithLabelValues(host).Inc()
}

// SetBreakerState sets the circuit breaker state for a client.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBreakerState(clientID string, state float64) {
	m.BreakerState.WithLabelValues(clientID).Set(state)
}

// RecordBulkRun records a finished bulk run.
func (m *Metrics) RecordBulkRun(mode, state string, size int, duration time.Duration) {
	m.BulkRunsTotal.WithLabelValues(mode, state).Inc()
	m.BulkRunDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.BulkRunSize.Observe(float64(size))
}

// RecordBulkOutcome records one bulk item outcome.
func (m *Metrics) RecordBulkOutcome(status string) {
	m.BulkOutcomesTotal.WithLabelValues(status).Inc()
}

// BulkItemStarted marks one bulk item as in flight.
func (m *Metrics) BulkItemStarted() {
	m.BulkItemsInFlight.Inc()
}

// BulkItemFinished marks one bulk item as done.
func (m *Metrics) BulkItemFinished() {
	m.BulkItemsInFlight.Dec()
}

// RecordBulkRollback records a rollback pass outcome.
func (m *Metrics) RecordBulkRollback(status string) {
	m.BulkRollbacksTotal.WithLabelValues(status).Inc()
}

// RecordSessionSave records a session state save.
func (m *Metrics) RecordSessionSave(clientID, status string) {
	m.SessionSavesTotal.WithLabelValues(clientID, status).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded client definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetSchemasIndexed sets the number of indexed schema operations for a client.
func (m *Metrics) SetSchemasIndexed(clientID string, count float64) {
	m.SchemasIndexed.WithLabelValues(clientID).Set(count)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
