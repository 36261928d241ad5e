package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the gate
type Metrics struct {
	// Gate decisions
	GateDecisions   *prometheus.CounterVec
	GateLatencyMs   prometheus.Histogram
	QuorumReady     prometheus.Gauge
	QuorumDegraded  prometheus.Counter
	DecisionReplays prometheus.Counter

	// Judges
	JudgeQueries   *prometheus.CounterVec
	JudgeLatencyMs *prometheus.HistogramVec

	// Drift and rollout
	DriftSeverity *prometheus.CounterVec
	DriftKL       prometheus.Gauge
	CanaryEnabled prometheus.Gauge
	CanaryStepPct prometheus.Gauge

	// Expression cache
	ExprCacheHits   prometheus.GaugeFunc
	ExprCacheMisses prometheus.GaugeFunc

	// Judge server
	ServerRequests *prometheus.CounterVec
	RateLimited    prometheus.Counter

	KPIs *KPITracker
}

// New creates and registers all metrics on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer, nil)
}

// CacheStats reports expression cache counters for the gauge funcs.
type CacheStats func() (hits, misses uint64)

// NewWith registers all metrics on reg. Tests pass a fresh prometheus.NewRegistry().
// cache may be nil, in which case the cache gauges read zero.
func NewWith(reg prometheus.Registerer, cache CacheStats) *Metrics {
	f := promauto.With(reg)
	if cache == nil {
		cache = func() (uint64, uint64) { return 0, 0 }
	}

	return &Metrics{
		GateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_decisions_total",
				Help: "Gate decisions by outcome and block reason",
			},
			[]string{"decision", "blocked_by"},
		),
		GateLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "releasegate_decision_latency_ms",
			Help:    "End-to-end gate decision latency in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		QuorumReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_quorum_ready_judges",
			Help: "Number of ready judges in the last gate decision",
		}),
		QuorumDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "releasegate_quorum_degraded_total",
			Help: "Gate invocations where fewer than k judges were ready",
		}),
		DecisionReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "releasegate_decision_replays_total",
			Help: "Gate invocations answered from the decision store",
		}),

		JudgeQueries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_judge_queries_total",
				Help: "Judge queries by judge and readiness",
			},
			[]string{"judge_id", "ready"},
		),
		JudgeLatencyMs: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "releasegate_judge_latency_ms",
				Help:    "Judge query latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"judge_id"},
		),

		DriftSeverity: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_drift_evaluations_total",
				Help: "Drift evaluations by severity",
			},
			[]string{"severity"},
		),
		DriftKL: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_drift_kl",
			Help: "KL estimate of the last drift evaluation",
		}),
		CanaryEnabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_canary_enabled",
			Help: "1 if the current canary policy allows rollout",
		}),
		CanaryStepPct: f.NewGauge(prometheus.GaugeOpts{
			Name: "releasegate_canary_step_pct",
			Help: "Current canary traffic step in percent",
		}),

		ExprCacheHits: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "releasegate_expr_cache_hits",
			Help: "Expression parse cache hits",
		}, func() float64 {
			h, _ := cache()
			return float64(h)
		}),
		ExprCacheMisses: f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "releasegate_expr_cache_misses",
			Help: "Expression parse cache misses",
		}, func() float64 {
			_, m := cache()
			return float64(m)
		}),

		ServerRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_server_requests_total",
				Help: "Judge server requests by path and status code",
			},
			[]string{"path", "code"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "releasegate_server_rate_limited_total",
			Help: "Judge server requests rejected by the rate limiter",
		}),

		KPIs: NewKPITracker(reg),
	}
}

// RecordDecision counts one terminal gate decision.
func (m *Metrics) RecordDecision(decision, blockedBy string, degraded bool, latencyMs float64) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(decision, blockedBy).Inc()
	m.GateLatencyMs.Observe(latencyMs)
	if degraded {
		m.QuorumDegraded.Inc()
	}
	m.KPIs.RecordGate(decision == "abort", degraded)
}

// RecordJudge counts one judge query.
func (m *Metrics) RecordJudge(judgeID string, ready bool, latencyMs float64) {
	if m == nil {
		return
	}
	r := "false"
	if ready {
		r = "true"
	}
	m.JudgeQueries.WithLabelValues(judgeID, r).Inc()
	m.JudgeLatencyMs.WithLabelValues(judgeID).Observe(latencyMs)
}

// RecordDrift counts one drift evaluation.
func (m *Metrics) RecordDrift(severity string, kl float64) {
	if m == nil {
		return
	}
	m.DriftSeverity.WithLabelValues(severity).Inc()
	m.DriftKL.Set(kl)
}

// ObserveCanary mirrors a canary policy into the rollout gauges.
func (m *Metrics) ObserveCanary(enabled bool, stepPct int) {
	if m == nil {
		return
	}
	if enabled {
		m.CanaryEnabled.Set(1)
	} else {
		m.CanaryEnabled.Set(0)
	}
	m.CanaryStepPct.Set(float64(stepPct))
}
