package autotune

import (
	"math"

	"github.com/fractal-lba/releasegate/internal/api"
)

const (
	// DefaultSafetyFactor multiplies the robust scale into a delta threshold.
	DefaultSafetyFactor = 2.0

	MethodEmpty     = "empty"
	MethodRobustMAD = "robust_mad"

	pWinMargin  = 0.1
	pWinCeiling = 0.95
	minWindows  = 3
)

// EmptyResult is returned when there is no history to learn from.
func EmptyResult() api.AutotuneResult {
	return api.AutotuneResult{
		DeltaThreshold: 0.0,
		PWinThreshold:  0.5,
		MinWindows:     minWindows,
		ObsVariance:    0.0,
		Method:         MethodEmpty,
	}
}

// Suggest derives promotion thresholds from historical A/B observations.
//
// Deltas are scaled by gain (see calibration.GainFromReport) before the
// robust scale is taken. A report without delta.mean contributes
// delta.objective, or 0.
func Suggest(reports []api.ABReportEntry, gain, safety float64) api.AutotuneResult {
	if len(reports) == 0 {
		return EmptyResult()
	}

	deltas := make([]float64, len(reports))
	pWins := make([]float64, len(reports))
	for i, r := range reports {
		deltas[i] = r.Delta.Value() * gain
		pWins[i] = r.PWin
	}

	obsVariance := RobustScale(deltas, DefaultMADFactor)

	return api.AutotuneResult{
		DeltaThreshold: safety * obsVariance,
		PWinThreshold:  math.Min(pWinCeiling, median(pWins)+pWinMargin),
		MinWindows:     max(minWindows, len(reports)/2),
		ObsVariance:    obsVariance,
		Method:         MethodRobustMAD,
	}
}
