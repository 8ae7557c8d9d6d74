// Package metrics provides Prometheus telemetry for the ledger engine:
// transaction outcomes and latency, dispatched sub-messages, reply
// deliveries and value moved by the bank.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine collectors. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	txTotal     *prometheus.CounterVec
	txDuration  *prometheus.HistogramVec
	subMsgTotal *prometheus.CounterVec
	replyTotal  *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	height      prometheus.Gauge
	contracts   prometheus.Gauge

	httpTotal    *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "ledger"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.txTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "total",
			Help:      "Top-level transactions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	c.txDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "duration_seconds",
			Help:      "Time spent executing a top-level transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"kind"},
	)

	c.subMsgTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submsg",
			Name:      "dispatched_total",
			Help:      "Sub-messages dispatched by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	c.replyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reply",
			Name:      "delivered_total",
			Help:      "Replies delivered to contracts by outcome.",
		},
		[]string{"outcome"},
	)

	c.transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bank",
			Name:      "transfers_total",
			Help:      "Committed bank transfers by denomination.",
		},
		[]string{"denom"},
	)

	c.height = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "height",
		Help:      "Height of the last committed block.",
	})

	c.contracts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "contracts",
		Help:      "Number of instantiated contracts.",
	})

	c.httpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	c.registry.MustRegister(
		c.httpTotal,
		c.httpDuration,
		c.httpInFlight,
		c.txTotal,
		c.txDuration,
		c.subMsgTotal,
		c.replyTotal,
		c.transfers,
		c.height,
		c.contracts,
	)
	return c
}

// Registry exposes the underlying registry for scraping or tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTx records a top-level transaction.
func (c *Collector) RecordTx(kind string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.txTotal.WithLabelValues(kind, outcome(err)).Inc()
	c.txDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordSubMsg records a dispatched sub-message.
func (c *Collector) RecordSubMsg(msgType string, err error) {
	if c == nil {
		return
	}
	c.subMsgTotal.WithLabelValues(msgType, outcome(err)).Inc()
}

// RecordReply records a reply delivery.
func (c *Collector) RecordReply(err error) {
	if c == nil {
		return
	}
	c.replyTotal.WithLabelValues(outcome(err)).Inc()
}

// RecordTransfer counts a committed transfer of denom.
func (c *Collector) RecordTransfer(denom string) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(denom).Inc()
}

// SetHeight records the committed height.
func (c *Collector) SetHeight(h uint64) {
	if c == nil {
		return
	}
	c.height.Set(float64(h))
}

// SetContracts records the number of instantiated contracts.
func (c *Collector) SetContracts(n uint64) {
	if c == nil {
		return
	}
	c.contracts.Set(float64(n))
}

// RecordHTTPRequest records a served HTTP request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// IncInFlight and DecInFlight track concurrent HTTP requests.
func (c *Collector) IncInFlight() {
	if c != nil {
		c.httpInFlight.Inc()
	}
}

func (c *Collector) DecInFlight() {
	if c != nil {
		c.httpInFlight.Dec()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
