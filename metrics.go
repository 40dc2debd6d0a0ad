package yuri

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy engine.
type Metrics struct {
	exchangesTotal   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rewritesTotal    *prometheus.CounterVec
	activeConns      prometheus.Gauge
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	ruleCount        prometheus.Gauge
	ruleReloads      prometheus.Counter
	ruleReloadErrs   prometheus.Counter
	eventsPublished  *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	storeErrors      *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		exchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "exchanges_total",
			Help:      "Total number of intercepted exchanges.",
		}, []string{"protocol"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "yuri",
			Name:      "exchange_duration_seconds",
			Help:      "Time from request capture to response capture.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		rewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "rewrites_total",
			Help:      "Number of messages changed by rewrite rules.",
		}, []string{"location", "type"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yuri",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yuri",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "cert_cache_hits_total",
			Help:      "Number of leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "cert_cache_misses_total",
			Help:      "Number of leaf certificate cache misses.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yuri",
			Name:      "rewrite_rule_count",
			Help:      "Number of enabled rewrite rules in the active snapshot.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "rule_reloads_total",
			Help:      "Number of successful rule reloads.",
		}),

		ruleReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "rule_reload_errors_total",
			Help:      "Number of failed rule reloads.",
		}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "events_published_total",
			Help:      "Number of lifecycle events published.",
		}, []string{"phase"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "events_dropped_total",
			Help:      "Number of events dropped for slow subscribers.",
		}),

		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "store_errors_total",
			Help:      "Number of failed exchange store writes.",
		}, []string{"op"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yuri",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.exchangesTotal,
		m.requestDuration,
		m.rewritesTotal,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.ruleCount,
		m.ruleReloads,
		m.ruleReloadErrs,
		m.eventsPublished,
		m.eventsDropped,
		m.storeErrors,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExchange records a captured exchange.
func (m *Metrics) RecordExchange(protocol string) {
	m.exchangesTotal.WithLabelValues(protocol).Inc()
}

// RecordRequestDuration records the duration of an exchange.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordRewrite records a message changed by rules.
func (m *Metrics) RecordRewrite(location, ruleType string) {
	m.rewritesTotal.WithLabelValues(location, ruleType).Inc()
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetRuleCount sets the current rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a successful rule reload.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed rule reload.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrs.Inc()
}

// RecordEventPublished records an event handed to the bus.
func (m *Metrics) RecordEventPublished(phase string) {
	m.eventsPublished.WithLabelValues(phase).Inc()
}

// RecordEventDropped records an event a subscriber missed.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// RecordStoreError records a failed store write.
func (m *Metrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}
