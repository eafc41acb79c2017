package hypermangle

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	ruleMatches       *prometheus.CounterVec
	activeRequests    prometheus.Gauge
	upstreamErrors    *prometheus.CounterVec
	tlsHandshakeErrs  *prometheus.CounterVec
	ruleCount         prometheus.Gauge
	ruleVersion       prometheus.Gauge
	reloads           prometheus.Counter
	reloadErrs        prometheus.Counter
	certEvents        *prometheus.CounterVec
	certExpiry        *prometheus.GaugeVec
	orderTransitions  *prometheus.CounterVec
	controlRequests   *prometheus.CounterVec
	transformFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "requests_total",
			Help:      "Total number of requests dispatched.",
		}, []string{"method", "action", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hypermangle",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "action"}),

		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "rule_matches_total",
			Help:      "Number of requests matched per rule.",
		}, []string{"rule"}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypermangle",
			Name:      "active_requests",
			Help:      "Number of requests currently being dispatched.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream round trips.",
		}, []string{"target"}),

		tlsHandshakeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of refused TLS handshakes by reason.",
		}, []string{"reason"}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypermangle",
			Name:      "rule_count",
			Help:      "Number of rules in the active table.",
		}),

		ruleVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hypermangle",
			Name:      "rule_table_version",
			Help:      "Version of the active rule table.",
		}),

		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "reloads_total",
			Help:      "Number of successful rule reloads.",
		}),

		reloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "reload_errors_total",
			Help:      "Number of rejected rule reloads.",
		}),

		certEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "certificate_events_total",
			Help:      "Certificate lifecycle events by type.",
		}, []string{"event"}),

		certExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hypermangle",
			Name:      "certificate_expiry_timestamp_seconds",
			Help:      "NotAfter of the active certificate per host.",
		}, []string{"host"}),

		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "order_transitions_total",
			Help:      "Certificate order state transitions by target state.",
		}, []string{"state"}),

		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "control_requests_total",
			Help:      "Control channel requests by operation and outcome.",
		}, []string{"op", "outcome"}),

		transformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypermangle",
			Name:      "transform_failures_total",
			Help:      "Number of rewrite scripts that failed to evaluate.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.ruleMatches,
		m.activeRequests,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.ruleCount,
		m.ruleVersion,
		m.reloads,
		m.reloadErrs,
		m.certEvents,
		m.certExpiry,
		m.orderTransitions,
		m.controlRequests,
		m.transformFailures,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a dispatched request.
func (m *Metrics) RecordRequest(method, action string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, action, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, action).Observe(duration.Seconds())
}

// RecordRuleMatch counts a request matched by rule.
func (m *Metrics) RecordRuleMatch(rule string) {
	m.ruleMatches.WithLabelValues(rule).Inc()
}

func (m *Metrics) IncActiveRequests() { m.activeRequests.Inc() }
func (m *Metrics) DecActiveRequests() { m.activeRequests.Dec() }

// RecordUpstreamError records a failed round trip to target.
func (m *Metrics) RecordUpstreamError(target string) {
	m.upstreamErrors.WithLabelValues(target).Inc()
}

// RecordTLSHandshakeError records a refused handshake.
func (m *Metrics) RecordTLSHandshakeError(reason string) {
	m.tlsHandshakeErrs.WithLabelValues(reason).Inc()
}

// SetRuleTable records the size and version of the active table.
func (m *Metrics) SetRuleTable(count int, version uint64) {
	m.ruleCount.Set(float64(count))
	m.ruleVersion.Set(float64(version))
}

// RecordReload records a successful reload.
func (m *Metrics) RecordReload() {
	m.reloads.Inc()
}

// RecordReloadError records a rejected reload.
func (m *Metrics) RecordReloadError() {
	m.reloadErrs.Inc()
}

// RecordCertEvent counts a certificate lifecycle event.
func (m *Metrics) RecordCertEvent(event string) {
	m.certEvents.WithLabelValues(event).Inc()
}

// SetCertExpiry records the expiry of host's active certificate.
func (m *Metrics) SetCertExpiry(host string, notAfter time.Time) {
	m.certExpiry.WithLabelValues(host).Set(float64(notAfter.Unix()))
}

// RecordOrderTransition counts an order entering state.
func (m *Metrics) RecordOrderTransition(state string) {
	m.orderTransitions.WithLabelValues(state).Inc()
}

// RecordControlRequest counts a control channel request.
func (m *Metrics) RecordControlRequest(op, outcome string) {
	m.controlRequests.WithLabelValues(op, outcome).Inc()
}

// RecordTransformFailure counts a script evaluation error.
func (m *Metrics) RecordTransformFailure() {
	m.transformFailures.Inc()
}
