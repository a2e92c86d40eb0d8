// Package metrics declares the Prometheus collectors the broker exposes on
// /metrics, grounded on cuemby-warren's pkg/metrics package layout: a flat
// var block of GaugeVec/CounterVec/HistogramVec collectors registered once
// in init, with a Timer helper for latency observations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WorkersTotal counts owned PTY workers by lifecycle state (creating,
	// ready, active, releasing, exited).
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_relay_workers_total",
			Help: "Current number of PTY workers by state",
		},
		[]string{"state"},
	)

	DeliveriesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relay_deliveries_enqueued_total",
			Help: "Total messages enqueued for delivery to a worker",
		},
		[]string{"worker"},
	)

	DeliveriesAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relay_deliveries_acked_total",
			Help: "Total deliveries confirmed injected into a worker's PTY",
		},
		[]string{"worker"},
	)

	DeliveriesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relay_deliveries_dropped_total",
			Help: "Total deliveries dropped after exhausting retries or on worker death",
		},
		[]string{"worker", "reason"},
	)

	PendingDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_relay_pending_deliveries",
			Help: "Current number of deliveries awaiting ack",
		},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_relay_dedup_cache_size",
			Help: "Current number of event IDs held in the router's dedup cache",
		},
	)

	EventsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relay_events_routed_total",
			Help: "Total inbound relay events routed by classification",
		},
		[]string{"kind"},
	)

	RelayReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_relay_link_reconnects_total",
			Help: "Total times the Relay Link reconnected its websocket",
		},
	)

	DeliveryRetryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_relay_delivery_retry_delay_seconds",
			Help:    "Observed delay between a delivery attempt and its retry",
			Buckets: prometheus.DefBuckets,
		},
	)

	CrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_relay_crashes_total",
			Help: "Total worker crashes recorded by category",
		},
		[]string{"category"},
	)

	FleetHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_relay_fleet_health_score",
			Help: "Crash-derived fleet health score, 0-100",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		DeliveriesEnqueuedTotal,
		DeliveriesAckedTotal,
		DeliveriesDroppedTotal,
		PendingDeliveries,
		DedupCacheSize,
		EventsRoutedTotal,
		RelayReconnectsTotal,
		DeliveryRetryDelay,
		CrashesTotal,
		FleetHealthScore,
	)
}

// Timer times an operation for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns elapsed time since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records elapsed time since NewTimer into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time since NewTimer into one label
// combination of a HistogramVec.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
