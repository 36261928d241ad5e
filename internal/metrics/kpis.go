package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KPITracker keeps running release KPIs: the share of gates that aborted and
// the share that ran on a degraded quorum.
type KPITracker struct {
	mu sync.Mutex

	abortRate    prometheus.Gauge
	degradedRate prometheus.Gauge

	total    int64
	aborted  int64
	degraded int64
}

// NewKPITracker registers the KPI gauges on reg.
func NewKPITracker(reg prometheus.Registerer) *KPITracker {
	f := promauto.With(reg)
	return &KPITracker{
		abortRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_abort_rate",
			Help: "Fraction of gate invocations that aborted",
		}),
		degradedRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_degraded_rate",
			Help: "Fraction of gate invocations where quorum was not met",
		}),
	}
}

// RecordGate updates the rates with one gate outcome.
func (k *KPITracker) RecordGate(aborted, degraded bool) {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	k.total++
	if aborted {
		k.aborted++
	}
	if degraded {
		k.degraded++
	}

	k.abortRate.Set(float64(k.aborted) / float64(k.total))
	k.degradedRate.Set(float64(k.degraded) / float64(k.total))
}

// Rates returns the current abort and degraded rates.
func (k *KPITracker) Rates() (abort, degraded float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.total == 0 {
		return 0, 0
	}
	return float64(k.aborted) / float64(k.total), float64(k.degraded) / float64(k.total)
}
