// Copyright (c) 2023 BVK Chaitanya

// Package metrics exports prometheus collectors for the ticker pipeline,
// the order service and the matching engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

type Collector struct {
	// Ticker ingest.
	TickersReceived *prometheus.CounterVec
	FeedReconnects  prometheus.Counter
	TickerLag       prometheus.Histogram

	// Websocket fan-out.
	WSClientsActive prometheus.Gauge
	WSMessagesTotal *prometheus.CounterVec
	WSClientsDropped prometheus.Counter

	// Order service.
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec
	TradesTotal  *prometheus.CounterVec
	TradeValue   *prometheus.CounterVec

	// Matching engine.
	MatchedOrders   *prometheus.CounterVec
	MatchingLatency prometheus.Histogram

	// HTTP API.
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
}

// GetCollector returns the process-wide collector, registering it with the
// default prometheus registry on first use.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.TickersReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "feed",
			Name:      "tickers_total",
			Help:      "Total ticker events received from the exchange",
		},
		[]string{"code"},
	)
	c.FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total websocket reconnects to the exchange",
		},
	)
	c.TickerLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "papertrade",
			Subsystem: "feed",
			Name:      "lag_ms",
			Help:      "Delay between the exchange timestamp and local receipt",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	c.WSClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "papertrade",
			Subsystem: "websocket",
			Name:      "clients_active",
			Help:      "Number of connected websocket clients",
		},
	)
	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total ticker messages sent to websocket clients",
		},
		[]string{"code"},
	)
	c.WSClientsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "websocket",
			Name:      "clients_dropped_total",
			Help:      "Clients dropped because their send queue was full",
		},
	)

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total orders processed",
		},
		[]string{"code", "side", "type", "status"},
	)
	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "papertrade",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order processing latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"type"},
	)
	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total trades recorded",
		},
		[]string{"code", "side"},
	)
	c.TradeValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "trades",
			Name:      "value_krw",
			Help:      "Total traded value in KRW",
		},
		[]string{"code"},
	)

	c.MatchedOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "matching",
			Name:      "filled_total",
			Help:      "Limit orders filled by the matching engine",
		},
		[]string{"code", "side"},
	)
	c.MatchingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "papertrade",
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Per-tick matching latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50},
		},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papertrade",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)
	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "papertrade",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	prometheus.MustRegister(
		c.TickersReceived,
		c.FeedReconnects,
		c.TickerLag,
		c.WSClientsActive,
		c.WSMessagesTotal,
		c.WSClientsDropped,
		c.OrdersTotal,
		c.OrderLatency,
		c.TradesTotal,
		c.TradeValue,
		c.MatchedOrders,
		c.MatchingLatency,
		c.APIRequestsTotal,
		c.APIRequestLatency,
	)
	return c
}

func (c *Collector) RecordTicker(code string, lag time.Duration) {
	c.TickersReceived.WithLabelValues(code).Inc()
	if lag > 0 {
		c.TickerLag.Observe(float64(lag.Microseconds()) / 1000.0)
	}
}

func (c *Collector) RecordOrder(code, side, orderType, status string, latency time.Duration) {
	c.OrdersTotal.WithLabelValues(code, side, orderType, status).Inc()
	c.OrderLatency.WithLabelValues(orderType).Observe(float64(latency.Microseconds()) / 1000.0)
}

func (c *Collector) RecordTrade(code, side string, value float64) {
	c.TradesTotal.WithLabelValues(code, side).Inc()
	c.TradeValue.WithLabelValues(code).Add(value)
}

func (c *Collector) RecordMatch(code, side string) {
	c.MatchedOrders.WithLabelValues(code, side).Inc()
}

func (c *Collector) RecordAPIRequest(method, path, status string, latency time.Duration) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(float64(latency.Microseconds()) / 1000.0)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
