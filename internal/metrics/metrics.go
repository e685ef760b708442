// Package metrics exposes pipeline counters and gauges in Prometheus format.
//
// Registers:
//
//	metapulse_cycle_runs_total{trigger,outcome}
//	metapulse_cycle_duration_seconds
//	metapulse_market_refreshes_total{result}
//	metapulse_fanout_deliveries_total{channel,result}
//	metapulse_quota_remaining{resource}
//	metapulse_feed_clients
//	metapulse_market_breaker_open
//	go_* and process_* system metrics
//
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metapulse"

// Metrics holds the collectors of one registry
type Metrics struct {
	registry *prometheus.Registry

	CycleRuns        *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	MarketRefreshes  *prometheus.CounterVec
	FanoutDeliveries *prometheus.CounterVec
}

// New creates a registry with the pipeline collectors and the Go runtime
// and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CycleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Insight cycles by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time of insight cycles",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		MarketRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "refreshes_total",
			Help:      "Market snapshot refreshes by result",
		}, []string{"result"}),
		FanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Signal deliveries by channel and result",
		}, []string{"channel", "result"}),
	}

	reg.MustRegister(
		m.CycleRuns,
		m.CycleDuration,
		m.MarketRefreshes,
		m.FanoutDeliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one finished insight cycle
func (m *Metrics) ObserveCycle(trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleRuns.WithLabelValues(trigger, outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveRefresh records a market refresh result
func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MarketRefreshes.WithLabelValues(result).Inc()
}

// ObserveDelivery records one fanout delivery. result is "delivered",
// "failed" or "panicked".
func (m *Metrics) ObserveDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.FanoutDeliveries.WithLabelValues(channel, result).Inc()
}

// TrackQuota exports the remaining points of a rate-limited resource,
// read at scrape time
func (m *Metrics) TrackQuota(resource string, remaining func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "quota_remaining",
		Help:        "Remaining points of a rate-limited resource",
		ConstLabels: prometheus.Labels{"resource": resource},
	}, func() float64 { return float64(remaining()) }))
}

// TrackFeedClients exports the number of connected websocket clients
func (m *Metrics) TrackFeedClients(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_clients",
		Help:      "Connected websocket feed clients",
	}, func() float64 { return float64(count()) }))
}

// TrackBreaker exports 1 while the market breaker is not closed
func (m *Metrics) TrackBreaker(state func() string) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "market_breaker_open",
		Help:      "1 while the market feed circuit breaker is open or half open",
	}, func() float64 {
		if state() == "closed" {
			return 0
		}
		return 1
	}))
}
