package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sinkforge/sinkgate/internal/resilience"
)

// The auto-concurrency distributions are registered without the
// package's usual namespace: these four metric names
// (auto_concurrency_observed_rtt, etc.) are exported unprefixed.
var (
	autoConcurrencyObservedRTT = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "auto_concurrency_observed_rtt", Help: "Time-weighted observed RTT distribution, seconds."},
		[]string{"stat"},
	)
	autoConcurrencyAveragedRTT = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "auto_concurrency_averaged_rtt", Help: "Time-weighted EWMA RTT distribution, seconds."},
		[]string{"stat"},
	)
	autoConcurrencyLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "auto_concurrency_limit", Help: "Time-weighted concurrency limit distribution."},
		[]string{"stat"},
	)
	autoConcurrencyInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Name: "auto_concurrency_in_flight", Help: "Time-weighted in-flight request count distribution."},
		[]string{"stat"},
	)
)

// Reporter mirrors a Controller's four statistics distributions into
// Prometheus gauges (one per min/max/mean/mode) on a ticker.
type Reporter struct {
	controller *resilience.Controller
	interval   time.Duration
}

// NewReporter builds a Reporter. interval should be ≤ 1s to keep
// emission at or above 1 Hz; a non-positive interval defaults to 500ms.
func NewReporter(controller *resilience.Controller, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reporter{controller: controller, interval: interval}
}

// Run emits snapshots on r.interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

// emitOnce is exposed for this package's tests to force a snapshot
// without waiting on the ticker.
func (r *Reporter) emitOnce() {
	r.emit()
}

func (r *Reporter) emit() {
	stats := r.controller.Stats()
	report(autoConcurrencyObservedRTT, stats.ObservedRTT)
	report(autoConcurrencyAveragedRTT, stats.AveragedRTT)
	report(autoConcurrencyLimit, stats.ConcurrencyLimit)
	report(autoConcurrencyInFlight, stats.InFlight)
}

func report(gauge *prometheus.GaugeVec, dist *resilience.Distribution) {
	if dist.Empty() {
		return
	}
	gauge.WithLabelValues("min").Set(dist.Min())
	gauge.WithLabelValues("max").Set(dist.Max())
	gauge.WithLabelValues("mean").Set(dist.Mean())
	gauge.WithLabelValues("mode").Set(dist.Mode())
}
