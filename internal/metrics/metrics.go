package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the settlement service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Settlement metrics
	SettlementsTotal        *prometheus.CounterVec
	CarryOverAppliedTotal   prometheus.Counter
	CarryOverCreatedTotal   prometheus.Counter
	CarryOverExpiredTotal   prometheus.Counter
	CallbacksTotal          *prometheus.CounterVec
	GatewayRequestDuration  *prometheus.HistogramVec
	PaymentChecksTotal      *prometheus.CounterVec
	OutboxDeliveriesTotal   *prometheus.CounterVec
	OutboxPending           prometheus.Gauge
	ProcessingMarkerRejects prometheus.Counter
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_settlements_total",
				Help: "Token settlements by outcome",
			},
			[]string{"result"},
		),
		CarryOverAppliedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_carry_over_applied_minor_total",
				Help: "Carry-over credit applied to invoices, in minor units",
			},
		),
		CarryOverCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_carry_over_created_minor_total",
				Help: "Carry-over credit created from overpayments, in minor units",
			},
		),
		CarryOverExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_carry_over_expired_total",
				Help: "Carry-over balances voided by the expiry sweep",
			},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_callbacks_total",
				Help: "Gateway callbacks by method and outcome",
			},
			[]string{"method", "result"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_request_duration_seconds",
				Help:    "Outbound gateway call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "operation", "status"},
		),
		PaymentChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payment_checks_total",
				Help: "Scheduled payment status checks by outcome",
			},
			[]string{"result"},
		),
		OutboxDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_outbox_deliveries_total",
				Help: "Outbox deliveries by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		OutboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_outbox_pending",
				Help: "Outbox events waiting for delivery",
			},
		),
		ProcessingMarkerRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_processing_marker_rejects_total",
				Help: "Settlements rejected because the token was already in flight",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SettlementsTotal,
		m.CarryOverAppliedTotal,
		m.CarryOverCreatedTotal,
		m.CarryOverExpiredTotal,
		m.CallbacksTotal,
		m.GatewayRequestDuration,
		m.PaymentChecksTotal,
		m.OutboxDeliveriesTotal,
		m.OutboxPending,
		m.ProcessingMarkerRejects,
	)

	return m
}

func (m *Metrics) Settlement(result string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CarryOverApplied(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.CarryOverAppliedTotal.Add(float64(amount))
}

func (m *Metrics) CarryOverCreated(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.CarryOverCreatedTotal.Add(float64(amount))
}

func (m *Metrics) CarryOverExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CarryOverExpiredTotal.Add(float64(n))
}

func (m *Metrics) Callback(method, result string) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(method, result).Inc()
}

// GatewayCall records one outbound gateway request started at start.
func (m *Metrics) GatewayCall(method, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestDuration.WithLabelValues(method, operation, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) PaymentCheck(result string) {
	if m == nil {
		return
	}
	m.PaymentChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxDelivery(kind, result string) {
	if m == nil {
		return
	}
	m.OutboxDeliveriesTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) MarkerReject() {
	if m == nil {
		return
	}
	m.ProcessingMarkerRejects.Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler and labels its requests with route, which
// must be the route pattern rather than the raw path.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
