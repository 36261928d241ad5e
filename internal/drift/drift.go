package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fractal-lba/releasegate/internal/api"
)

// Seed drives every Monte-Carlo draw. Changing it changes decisions against
// existing thresholds, so it is fixed.
const Seed uint64 = 42

// DefaultSamples is the Monte-Carlo sample count used by Classify.
const DefaultSamples = 1000

// Reason codes attached to a drift report, in evaluation order.
const (
	ReasonKLCritical      = "kl_divergence_critical"
	ReasonKLWarn          = "kl_divergence_warn"
	ReasonAbsDiffCritical = "abs_diff_critical"
	ReasonAbsDiffWarn     = "abs_diff_warn"
	ReasonNoDrift         = "no_drift"
)

// BetaParams are the shape parameters of a Beta win-probability belief.
type BetaParams struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Mean returns alpha/(alpha+beta).
func (p BetaParams) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

func (p BetaParams) validate(name string) error {
	if !(p.Alpha > 0) || !(p.Beta > 0) || math.IsInf(p.Alpha, 0) || math.IsInf(p.Beta, 0) {
		return fmt.Errorf("drift: %s beta parameters must be finite and > 0, got (%v, %v)", name, p.Alpha, p.Beta)
	}
	return nil
}

// Thresholds configure severity escalation.
type Thresholds struct {
	KLWarn  float64 `json:"kl_warn" mapstructure:"kl_warn"`
	KLCrit  float64 `json:"kl_crit" mapstructure:"kl_crit"`
	AbsWarn float64 `json:"abs_warn" mapstructure:"abs_warn"`
	AbsCrit float64 `json:"abs_crit" mapstructure:"abs_crit"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		KLWarn:  0.05,
		KLCrit:  0.20,
		AbsWarn: 0.05,
		AbsCrit: 0.10,
	}
}

// BetaKL estimates KL(Beta(a1,b1) || Beta(a2,b2)) by Monte-Carlo.
//
// Draws come from Beta(a1,b1) with a PCG source seeded by Seed, so identical
// inputs give bit-identical results. The log densities are unnormalised,
// (a-1)ln(x) + (b-1)ln(1-x); the normalising constants are deliberately left
// out and the estimate is an approximation of the true KL. Draws on the
// boundary are skipped but still count towards the divisor. The result is
// clamped at zero.
func BetaKL(a1, b1, a2, b2 float64, samples int) float64 {
	if samples <= 0 || !(a1 > 0) || !(b1 > 0) {
		return 0
	}

	dist := distuv.Beta{
		Alpha: a1,
		Beta:  b1,
		Src:   rand.NewPCG(Seed, Seed),
	}

	n := float64(samples)
	acc := 0.0
	for i := 0; i < samples; i++ {
		x := dist.Rand()
		if x <= 0 || x >= 1 {
			continue
		}
		lx, l1x := math.Log(x), math.Log(1-x)
		lp1 := (a1-1)*lx + (b1-1)*l1x
		lp2 := (a2-1)*lx + (b2-1)*l1x
		acc += (lp1 - lp2) / n
	}
	return math.Max(acc, 0)
}

// Monitor classifies drift between a prior and a posterior belief.
type Monitor struct {
	thresholds Thresholds
	samples    int
}

// NewMonitor creates a monitor. samples <= 0 selects DefaultSamples.
func NewMonitor(th Thresholds, samples int) *Monitor {
	if samples <= 0 {
		samples = DefaultSamples
	}
	return &Monitor{thresholds: th, samples: samples}
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds { return m.thresholds }

// Classify computes KL (posterior measured against prior) and the absolute
// mean shift, then escalates severity.
//
// The KL and abs-diff checks are independent. Either one can reach critical,
// and an abs-diff critical overrides a warn set by the KL check. A warn never
// lowers a severity that is already critical.
func (m *Monitor) Classify(prior, posterior BetaParams) (api.DriftReport, error) {
	if err := prior.validate("prior"); err != nil {
		return api.DriftReport{}, err
	}
	if err := posterior.validate("posterior"); err != nil {
		return api.DriftReport{}, err
	}

	th := m.thresholds
	kl := BetaKL(posterior.Alpha, posterior.Beta, prior.Alpha, prior.Beta, m.samples)
	absDiff := math.Abs(posterior.Mean() - prior.Mean())

	severity := api.SeverityInfo
	reasons := []string{}

	if kl >= th.KLCrit {
		severity = api.SeverityCritical
		reasons = append(reasons, ReasonKLCritical)
	} else if kl >= th.KLWarn {
		if severity == api.SeverityInfo {
			severity = api.SeverityWarn
		}
		reasons = append(reasons, ReasonKLWarn)
	}

	if absDiff >= th.AbsCrit {
		severity = api.SeverityCritical
		reasons = append(reasons, ReasonAbsDiffCritical)
	} else if absDiff >= th.AbsWarn {
		if severity == api.SeverityInfo {
			severity = api.SeverityWarn
		}
		reasons = append(reasons, ReasonAbsDiffWarn)
	}

	if len(reasons) == 0 {
		reasons = append(reasons, ReasonNoDrift)
	}

	return api.DriftReport{
		Severity:    severity,
		KL:          kl,
		AbsDiff:     absDiff,
		ReasonCodes: reasons,
	}, nil
}

// Classify is a convenience wrapper using DefaultSamples.
func Classify(prior, posterior BetaParams, th Thresholds) (api.DriftReport, error) {
	return NewMonitor(th, DefaultSamples).Classify(prior, posterior)
}

// LoadReport reads a drift report. A missing file returns (nil, nil): there
// is no prior drift evaluation.
func LoadReport(path string) (*api.DriftReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read drift report: %w", err)
	}
	var r api.DriftReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse drift report %s: %w", path, err)
	}
	return &r, nil
}

// WriteReport writes a drift report as indented JSON.
func WriteReport(path string, r api.DriftReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal drift report: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
