package autotune

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fractal-lba/releasegate/internal/api"
)

func ptr(f float64) *float64 { return &f }

func entry(mean, pWin float64) api.ABReportEntry {
	return api.ABReportEntry{Delta: api.ABDelta{Mean: ptr(mean)}, PWin: pWin}
}

func TestRobustScale(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{3}, 0},
		{"odd", []float64{1.0, 1.5, 0.8}, 0.2 * DefaultMADFactor},
		{"even", []float64{1, 2, 3, 4}, 1.0 * DefaultMADFactor},
		{"constant", []float64{2, 2, 2, 2}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RobustScale(tt.values, DefaultMADFactor)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RobustScale(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestRobustScale_DoesNotMutateInput(t *testing.T) {
	values := []float64{5, 1, 3}
	RobustScale(values, DefaultMADFactor)
	if values[0] != 5 || values[1] != 1 || values[2] != 3 {
		t.Errorf("Input was reordered: %v", values)
	}
}

func TestSuggest_Empty(t *testing.T) {
	got := Suggest(nil, 1.0, DefaultSafetyFactor)
	want := api.AutotuneResult{DeltaThreshold: 0, PWinThreshold: 0.5, MinWindows: 3, ObsVariance: 0, Method: "empty"}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestSuggest(t *testing.T) {
	reports := []api.ABReportEntry{
		entry(1.0, 0.7),
		entry(1.5, 0.8),
		entry(0.8, 0.6),
	}

	got := Suggest(reports, 1.0, DefaultSafetyFactor)

	if got.Method != MethodRobustMAD {
		t.Errorf("Expected method robust_mad, got %s", got.Method)
	}
	if got.MinWindows < 3 {
		t.Errorf("Expected min_windows >= 3, got %d", got.MinWindows)
	}
	if got.DeltaThreshold <= 0 {
		t.Errorf("Expected positive delta threshold, got %v", got.DeltaThreshold)
	}
	wantVar := 0.2 * DefaultMADFactor
	if math.Abs(got.ObsVariance-wantVar) > 1e-9 {
		t.Errorf("Expected obs_variance %v, got %v", wantVar, got.ObsVariance)
	}
	if math.Abs(got.DeltaThreshold-2*wantVar) > 1e-9 {
		t.Errorf("Expected delta_threshold %v, got %v", 2*wantVar, got.DeltaThreshold)
	}
	if math.Abs(got.PWinThreshold-0.8) > 1e-9 {
		t.Errorf("Expected p_win_threshold 0.8, got %v", got.PWinThreshold)
	}
}

func TestSuggest_GainAndCeiling(t *testing.T) {
	reports := []api.ABReportEntry{entry(1, 0.9), entry(2, 0.95), entry(3, 0.99)}

	base := Suggest(reports, 1.0, 1.0)
	scaled := Suggest(reports, 0.5, 1.0)
	if math.Abs(scaled.ObsVariance-base.ObsVariance*0.5) > 1e-9 {
		t.Errorf("Expected gain to scale obs_variance: %v vs %v", scaled.ObsVariance, base.ObsVariance)
	}
	if base.PWinThreshold != 0.95 {
		t.Errorf("Expected p_win_threshold capped at 0.95, got %v", base.PWinThreshold)
	}
}

func TestSuggest_MinWindows(t *testing.T) {
	reports := make([]api.ABReportEntry, 11)
	for i := range reports {
		reports[i] = entry(float64(i), 0.5)
	}
	if got := Suggest(reports, 1, 2).MinWindows; got != 5 {
		t.Errorf("Expected min_windows 5 for 11 reports, got %d", got)
	}
}

func TestSuggest_ObjectiveFallback(t *testing.T) {
	reports := []api.ABReportEntry{
		{Delta: api.ABDelta{Objective: ptr(1)}, PWin: 0.5},
		{Delta: api.ABDelta{Objective: ptr(3)}, PWin: 0.5},
		{PWin: 0.5},
	}
	// deltas [1, 3, 0]: median 1, deviations [0, 2, 1]
	got := Suggest(reports, 1, 1)
	if math.Abs(got.ObsVariance-DefaultMADFactor) > 1e-9 {
		t.Errorf("Expected obs_variance %v, got %v", DefaultMADFactor, got.ObsVariance)
	}
}

// Property: one extreme outlier moves the MAD by a bounded amount.
func TestRobustScale_OutlierRobustness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a single outlier cannot blow up the scale", prop.ForAll(
		func(values []float64, outlier float64) bool {
			if len(values) < 5 {
				return true
			}
			lo, hi := values[0], values[0]
			for _, v := range values {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			with := append(append([]float64{}, values...), outlier)
			return RobustScale(with, 1) <= (hi-lo)+1e-9
		},
		gen.SliceOf(gen.Float64Range(-10, 10)),
		gen.Float64Range(1e6, 1e9),
	))

	properties.TestingRun(t)
}

func TestHistory_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")

	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	for _, e := range []api.ABReportEntry{entry(1.0, 0.7), entry(1.5, 0.8)} {
		if err := h.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// reopening appends rather than truncating
	h, err = OpenHistory(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if err := h.Append(entry(0.8, 0.6)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	h.Close()

	got, err := ReadHistory(path)
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	if *got[2].Delta.Mean != 0.8 || got[2].PWin != 0.6 {
		t.Errorf("Unexpected last entry %+v", got[2])
	}
}

func TestReadHistory_Errors(t *testing.T) {
	dir := t.TempDir()

	got, err := ReadHistory(filepath.Join(dir, "missing.jsonl"))
	if err != nil || got != nil {
		t.Errorf("Expected empty history for missing file, got %v, %v", got, err)
	}

	path := filepath.Join(dir, "bad.jsonl")
	content := "{\"delta\":{\"mean\":1},\"p_win\":0.5}\n\n{not json}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = ReadHistory(path)
	if err == nil {
		t.Fatal("Expected error for malformed line")
	}
	if !strings.Contains(err.Error(), ":3:") {
		t.Errorf("Expected error to name line 3, got %v", err)
	}
}
