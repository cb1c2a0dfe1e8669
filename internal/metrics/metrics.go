// Package metrics provides Prometheus metrics and the health endpoint for the trader.
//
// Exposed series:
//   - okx_candles_accepted_total{source}   candles appended to the buffer
//   - okx_candles_dropped_total{source}    candles rejected as duplicates or stale
//   - okx_poll_errors_total                live polls that failed
//   - okx_backfill_pages_total             backfill pages fetched
//   - okx_buffer_depth                     candles waiting to be consumed
//   - okx_bars_delivered_total             bars handed to the consumer
//   - okx_order_attempts_total{side}       submission attempts
//   - okx_orders_submitted_total{side}     orders accepted by the exchange
//   - okx_orders_failed_total{side}        orders that exhausted every attempt
//   - okx_price_clamps_total{side}         prices clamped to the exchange limit
//   - okx_order_status_total{state}        status queries by reported state
//   - okx_stream_reconnects_total          websocket reconnects
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source labels for candle counters.
const (
	SourceLive     = "live"
	SourceBackfill = "backfill"
	SourceStream   = "stream"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	candlesAccepted  *prometheus.CounterVec
	candlesDropped   *prometheus.CounterVec
	pollErrors       prometheus.Counter
	backfillPages    prometheus.Counter
	bufferDepth      prometheus.Gauge
	barsDelivered    prometheus.Counter
	orderAttempts    *prometheus.CounterVec
	ordersSubmitted  *prometheus.CounterVec
	ordersFailed     *prometheus.CounterVec
	priceClamps      *prometheus.CounterVec
	orderStatus      *prometheus.CounterVec
	streamReconnects prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		candlesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_candles_accepted_total",
			Help: "Candles appended to the buffer",
		}, []string{"source"}),
		candlesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_candles_dropped_total",
			Help: "Candles dropped because their timestamp was not newer than the last seen",
		}, []string{"source"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_poll_errors_total",
			Help: "Live polls that failed",
		}),
		backfillPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_backfill_pages_total",
			Help: "Backfill pages fetched",
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "okx_buffer_depth",
			Help: "Candles waiting in the buffer",
		}),
		barsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_bars_delivered_total",
			Help: "Bars handed to the consumer",
		}),
		orderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_order_attempts_total",
			Help: "Order submission attempts",
		}, []string{"side"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_orders_submitted_total",
			Help: "Orders accepted by the exchange",
		}, []string{"side"}),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_orders_failed_total",
			Help: "Orders that failed after every attempt",
		}, []string{"side"}),
		priceClamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_price_clamps_total",
			Help: "Order prices clamped to the exchange price limit",
		}, []string{"side"}),
		orderStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okx_order_status_total",
			Help: "Order status queries by reported state",
		}, []string{"state"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okx_stream_reconnects_total",
			Help: "Websocket reconnects",
		}),
	}

	m.registry.MustRegister(
		m.candlesAccepted,
		m.candlesDropped,
		m.pollErrors,
		m.backfillPages,
		m.bufferDepth,
		m.barsDelivered,
		m.orderAttempts,
		m.ordersSubmitted,
		m.ordersFailed,
		m.priceClamps,
		m.orderStatus,
		m.streamReconnects,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CandleAppended records the outcome of one buffer append.
func (m *Metrics) CandleAppended(source string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.candlesAccepted.WithLabelValues(source).Inc()
	} else {
		m.candlesDropped.WithLabelValues(source).Inc()
	}
}

// PollError records a failed live poll.
func (m *Metrics) PollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// BackfillPage records one fetched backfill page.
func (m *Metrics) BackfillPage() {
	if m == nil {
		return
	}
	m.backfillPages.Inc()
}

// SetBufferDepth reports the current buffer length.
func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

// BarDelivered records a bar returned to the consumer.
func (m *Metrics) BarDelivered() {
	if m == nil {
		return
	}
	m.barsDelivered.Inc()
}

// OrderAttempt records a submission attempt.
func (m *Metrics) OrderAttempt(side string) {
	if m == nil {
		return
	}
	m.orderAttempts.WithLabelValues(side).Inc()
}

// OrderSubmitted records an accepted order.
func (m *Metrics) OrderSubmitted(side string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(side).Inc()
}

// OrderFailed records an order that exhausted its attempts.
func (m *Metrics) OrderFailed(side string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(side).Inc()
}

// PriceClamped records a price moved to the exchange limit.
func (m *Metrics) PriceClamped(side string) {
	if m == nil {
		return
	}
	m.priceClamps.WithLabelValues(side).Inc()
}

// OrderStatus records a status query result.
func (m *Metrics) OrderStatus(state string) {
	if m == nil {
		return
	}
	m.orderStatus.WithLabelValues(state).Inc()
}

// StreamReconnect records a websocket reconnect.
func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}
