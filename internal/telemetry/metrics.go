// Package telemetry exposes Prometheus instrumentation for the gateway.
//
// HTTP traffic is recorded event-style from the router middleware. Domain
// counters (queue depth, fallbacks, reconnects) already live in their
// owning components, so they are scraped pull-style through ValueFunc
// collectors instead of being counted twice.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a registry with the HTTP instruments pre-registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kis_gateway_http_requests_total",
				Help: "Total HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kis_gateway_http_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	m.registry.MustRegister(m.httpRequests, m.httpDuration)
	return m
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// DomainCollectors holds read callbacks into the components that own the
// domain counters. Nil entries are skipped.
type DomainCollectors struct {
	QueueDepth         func() float64
	OrdersAccepted     func() float64
	OrdersSent         func() float64
	OrdersRejected     func() float64
	QuoteRESTFallbacks func() float64
	WSReconnects       func() float64
	ReconcileRuns      func() float64
	ReconcileCorrected func() float64
}

// RegisterDomainCollectors exposes component counters to the scraper.
func (m *Metrics) RegisterDomainCollectors(c DomainCollectors) {
	if c.QueueDepth != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kis_gateway_order_queue_depth",
			Help: "Orders currently waiting for dispatch",
		}, c.QueueDepth))
	}
	if c.OrdersAccepted != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_orders_accepted_total",
			Help: "Orders accepted into the queue",
		}, c.OrdersAccepted))
	}
	if c.OrdersSent != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_orders_sent_total",
			Help: "Orders successfully placed with the broker",
		}, c.OrdersSent))
	}
	if c.OrdersRejected != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_orders_rejected_total",
			Help: "Orders rejected locally or by the broker",
		}, c.OrdersRejected))
	}
	if c.QuoteRESTFallbacks != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_quote_rest_fallbacks_total",
			Help: "Quote reads served through the REST fallback",
		}, c.QuoteRESTFallbacks))
	}
	if c.WSReconnects != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_ws_reconnects_total",
			Help: "Stream reconnect attempts",
		}, c.WSReconnects))
	}
	if c.ReconcileRuns != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_reconcile_runs_total",
			Help: "Reconciliation passes executed",
		}, c.ReconcileRuns))
	}
	if c.ReconcileCorrected != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kis_gateway_reconcile_corrections_total",
			Help: "Order statuses corrected from broker truth",
		}, c.ReconcileCorrected))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
