package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all engine-level metrics (not specific to one model).
type Metrics struct {
	// Role lifecycle
	RoleStatus *prometheus.GaugeVec

	// Message flow
	RecordsSplit      *prometheus.CounterVec
	FieldsGenerated   *prometheus.CounterVec
	ReportsResolved   *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	DLQTotal          *prometheus.CounterVec

	// Broker health
	BrokerConnected      prometheus.Gauge
	BrokerRTT            prometheus.Gauge
	BrokerReconnects     prometheus.Counter
	BrokerCircuitBreaker prometheus.Gauge

	// Pending-message backlog, one gauge per (report, field)
	PendingBacklog *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RoleStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pybrook",
				Subsystem: "role",
				Name:      "status",
				Help:      "Role lifecycle status (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
			},
			[]string{"role", "kind"},
		),

		RecordsSplit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "splitter",
				Name:      "records_split_total",
				Help:      "Total number of input records fanned out to per-field sub-streams",
			},
			[]string{"report"},
		),

		FieldsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "generator",
				Name:      "fields_generated_total",
				Help:      "Total number of artificial field values computed",
			},
			[]string{"field", "status"},
		),

		ReportsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "resolver",
				Name:      "reports_resolved_total",
				Help:      "Total number of output reports assembled and emitted",
			},
			[]string{"report"},
		),

		ProcessingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pybrook",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Time spent inside a role's per-message handler",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of classified errors by class",
			},
			[]string{"role", "class"},
		),

		DLQTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "dlq",
				Name:      "records_total",
				Help:      "Total number of records appended to a dead-letter stream",
			},
			[]string{"stream", "field"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pybrook",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pybrook",
				Subsystem: "broker",
				Name:      "rtt_milliseconds",
				Help:      "Broker round-trip time in milliseconds",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pybrook",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),

		BrokerCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pybrook",
				Subsystem: "broker",
				Name:      "circuit_breaker",
				Help:      "Broker circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),

		PendingBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pybrook",
				Subsystem: "pending",
				Name:      "backlog",
				Help:      "Number of pending (not yet READY) message-ids held by a field or report join",
			},
			[]string{"name"},
		),
	}
}

// RecordRoleStatus updates a role's lifecycle status metric.
func (m *Metrics) RecordRoleStatus(role, kind string, status int) {
	m.RoleStatus.WithLabelValues(role, kind).Set(float64(status))
}

// RecordSplit increments the per-report split counter.
func (m *Metrics) RecordSplit(report string) {
	m.RecordsSplit.WithLabelValues(report).Inc()
}

// RecordFieldGenerated increments the per-field generation counter.
func (m *Metrics) RecordFieldGenerated(field, status string) {
	m.FieldsGenerated.WithLabelValues(field, status).Inc()
}

// RecordReportResolved increments the per-report resolution counter.
func (m *Metrics) RecordReportResolved(report string) {
	m.ReportsResolved.WithLabelValues(report).Inc()
}

// ObserveProcessingDuration records how long a role spent on one operation.
func (m *Metrics) ObserveProcessingDuration(role, operation string, d time.Duration) {
	m.ProcessingSeconds.WithLabelValues(role, operation).Observe(d.Seconds())
}

// RecordClassifiedError increments the error counter for a role/class pair.
func (m *Metrics) RecordClassifiedError(role, class string) {
	m.ErrorsTotal.WithLabelValues(role, class).Inc()
}

// RecordDLQ increments the dead-letter counter for a stream/field pair.
func (m *Metrics) RecordDLQ(stream, field string) {
	m.DLQTotal.WithLabelValues(stream, field).Inc()
}

// RecordBrokerStatus updates the broker connection status gauge.
func (m *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.Set(value)
}

// RecordBrokerRTT updates the broker round-trip time gauge.
func (m *Metrics) RecordBrokerRTT(rtt time.Duration) {
	m.BrokerRTT.Set(float64(rtt.Milliseconds()))
}

// RecordBrokerReconnect increments the reconnection counter.
func (m *Metrics) RecordBrokerReconnect() {
	m.BrokerReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker status gauge.
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.BrokerCircuitBreaker.Set(float64(state))
}

// RecordPendingBacklog updates the backlog gauge for a join (field or report name).
func (m *Metrics) RecordPendingBacklog(name string, depth int) {
	m.PendingBacklog.WithLabelValues(name).Set(float64(depth))
}
