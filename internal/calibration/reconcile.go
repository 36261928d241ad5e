package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/fractal-lba/releasegate/internal/api"
)

// epsilon guards the ratio and percentage error against a zero prediction.
const epsilon = 1e-9

// PredictedDelta extracts the offline effect size: delta.mean, falling back
// to delta.objective, then 0.
func PredictedDelta(r api.ABReportEntry) float64 {
	return r.Delta.Value()
}

// ObservedDelta extracts the canary effect size: delta.score_delta, falling
// back to delta.raw_delta, then 0.
func ObservedDelta(c api.CanaryComparison) float64 {
	if c.Delta.ScoreDelta != nil {
		return *c.Delta.ScoreDelta
	}
	if c.Delta.RawDelta != nil {
		return *c.Delta.RawDelta
	}
	return 0.0
}

// Reconcile compares a predicted delta with the one observed in canary.
//
// calibration_ratio is observed/predicted, or +Inf when the prediction is
// within epsilon of zero.
func Reconcile(predicted, observed float64) api.ReconcileReport {
	e := observed - predicted

	ratio := math.Inf(1)
	if math.Abs(predicted) > epsilon {
		ratio = observed / predicted
	}

	return api.ReconcileReport{
		PredictedDelta:   predicted,
		ObservedDelta:    observed,
		Error:            e,
		MAE:              math.Abs(e),
		MAPE:             math.Abs(e) / (math.Abs(predicted) + epsilon),
		SignAgreement:    (observed == 0 && predicted == 0) || observed*predicted > 0,
		CalibrationRatio: api.Ratio(ratio),
	}
}

// GainFromReport turns a reconcile report into the calibration gain applied
// to historical deltas by the autotuner. Non-finite or non-positive ratios
// carry no usable signal and map to 1.
func GainFromReport(r api.ReconcileReport) float64 {
	g := float64(r.CalibrationRatio)
	if math.IsInf(g, 0) || math.IsNaN(g) || g <= 0 {
		return 1.0
	}
	return g
}

// ReconcileFiles loads an A/B report and a canary comparison and reconciles them.
func ReconcileFiles(abReportPath, canaryPath string) (api.ReconcileReport, error) {
	ab, err := LoadABReport(abReportPath)
	if err != nil {
		return api.ReconcileReport{}, err
	}
	var cmp api.CanaryComparison
	if err := readJSON(canaryPath, &cmp); err != nil {
		return api.ReconcileReport{}, err
	}
	return Reconcile(PredictedDelta(ab), ObservedDelta(cmp)), nil
}

// LoadABReport reads one offline A/B report.
func LoadABReport(path string) (api.ABReportEntry, error) {
	var ab api.ABReportEntry
	err := readJSON(path, &ab)
	return ab, err
}

// LoadReport reads a reconcile report written by a previous run.
func LoadReport(path string) (api.ReconcileReport, error) {
	var r api.ReconcileReport
	err := readJSON(path, &r)
	return r, err
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
