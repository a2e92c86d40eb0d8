package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	if d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_observe_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(h)

	if timer.Duration() == 0 {
		t.Error("expected non-zero duration after ObserveDuration")
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	hv := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_observe_duration_vec_seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(hv, "spawn")

	if timer.Duration() == 0 {
		t.Error("expected non-zero duration after ObserveDurationVec")
	}
}

func TestCollectorsRegisteredWithoutPanicking(t *testing.T) {
	WorkersTotal.WithLabelValues("ready").Set(1)
	DeliveriesEnqueuedTotal.WithLabelValues("w1").Inc()
	DeliveriesDroppedTotal.WithLabelValues("w1", "max_retries").Inc()
	PendingDeliveries.Set(3)
	DedupCacheSize.Set(42)
	EventsRoutedTotal.WithLabelValues("message").Inc()
	RelayReconnectsTotal.Inc()
	CrashesTotal.WithLabelValues("oom").Inc()
	FleetHealthScore.Set(87)
}
