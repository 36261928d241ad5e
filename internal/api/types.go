package api

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Result is the outcome of judging one route or a whole document.
type Result string

const (
	Pass Result = "PASS"
	Fail Result = "FAIL"
)

// Verdict is the judged outcome of a single route.
type Verdict struct {
	RouteID    string   `json:"route_id,omitempty"`
	Expression string   `json:"expression"`
	Result     Result   `json:"verdict"`
	Failures   []string `json:"failures"`
}

// VerdictSet is the verdicts output document.
type VerdictSet struct {
	OverallVerdict Result             `json:"overall_verdict"`
	Routes         map[string]Verdict `json:"routes"`
}

// NewVerdictSet builds a VerdictSet and derives the overall verdict from its routes.
func NewVerdictSet(routes map[string]Verdict) VerdictSet {
	if routes == nil {
		routes = map[string]Verdict{}
	}
	overall := Pass
	for _, v := range routes {
		if v.Result != Pass {
			overall = Fail
			break
		}
	}
	return VerdictSet{OverallVerdict: overall, Routes: routes}
}

// Severity grades a drift report.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// DriftReport is produced by one drift evaluation and never mutated afterwards.
type DriftReport struct {
	Severity    Severity `json:"severity"`
	KL          float64  `json:"kl"`
	AbsDiff     float64  `json:"abs_diff"`
	ReasonCodes []string `json:"reason_codes"`
}

// CanaryPolicy is the rollout configuration consumed by the deployment pipeline.
type CanaryPolicy struct {
	Enabled bool `json:"enabled"`
	StepPct int  `json:"step_pct"`
	MaxPct  int  `json:"max_pct"`
}

// ABDelta is the effect-size block of an offline A/B report.
type ABDelta struct {
	Mean      *float64 `json:"mean,omitempty"`
	Objective *float64 `json:"objective,omitempty"`
	CI95Low   *float64 `json:"ci95_low,omitempty"`
	CI95High  *float64 `json:"ci95_high,omitempty"`
}

// Value returns mean, falling back to objective, then 0.
func (d ABDelta) Value() float64 {
	if d.Mean != nil {
		return *d.Mean
	}
	if d.Objective != nil {
		return *d.Objective
	}
	return 0.0
}

// ABReportEntry is one historical experiment observation.
type ABReportEntry struct {
	Delta ABDelta `json:"delta"`
	PWin  float64 `json:"p_win"`
}

// CanaryDelta is the effect-size block of a canary comparison.
type CanaryDelta struct {
	ScoreDelta *float64 `json:"score_delta,omitempty"`
	RawDelta   *float64 `json:"raw_delta,omitempty"`
}

// CanaryComparison is the observed side of a calibration run.
type CanaryComparison struct {
	Delta CanaryDelta `json:"delta"`
}

// AutotuneResult is recomputed on every autotune run.
type AutotuneResult struct {
	DeltaThreshold float64 `json:"delta_threshold"`
	PWinThreshold  float64 `json:"p_win_threshold"`
	MinWindows     int     `json:"min_windows"`
	ObsVariance    float64 `json:"obs_variance"`
	Method         string  `json:"method"`
}

// Ratio is a float64 that survives JSON when it is not finite.
// Infinities and NaN are written as the strings "+Inf", "-Inf" and "NaN".
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "+Inf", "Inf", "Infinity":
			*r = Ratio(math.Inf(1))
		case "-Inf", "-Infinity":
			*r = Ratio(math.Inf(-1))
		case "NaN":
			*r = Ratio(math.NaN())
		default:
			return fmt.Errorf("invalid ratio %q", s)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid ratio: %w", err)
	}
	*r = Ratio(f)
	return nil
}

// ReconcileReport compares an offline prediction with a canary observation.
type ReconcileReport struct {
	PredictedDelta   float64 `json:"predicted_delta"`
	ObservedDelta    float64 `json:"observed_delta"`
	Error            float64 `json:"error"`
	MAE              float64 `json:"mae"`
	MAPE             float64 `json:"mape"`
	SignAgreement    bool    `json:"sign_agreement"`
	CalibrationRatio Ratio   `json:"calibration_ratio"`
}

// Decision is the terminal state of one gate invocation.
type Decision string

const (
	Proceed            Decision = "proceed"
	ProceedWithWarning Decision = "proceed_with_warning"
	Abort              Decision = "abort"
)

// BlockReason says why a gate aborted.
type BlockReason string

const (
	BlockedNone   BlockReason = ""
	BlockedBySLO  BlockReason = "slo"
	BlockedQuorum BlockReason = "quorum"
	BlockedAuthz  BlockReason = "authz"
	BlockedConfig BlockReason = "config"
)

// Process exit codes of a gate invocation.
const (
	ExitProceed            = 0
	ExitProceedWithWarning = 1
	ExitAbort              = 2
	ExitAuthzDenied        = 3
)

// ExitCodeFor maps a decision to the process exit code callers act on.
func ExitCodeFor(d Decision, blocked BlockReason) int {
	switch d {
	case Proceed:
		return ExitProceed
	case ProceedWithWarning:
		return ExitProceedWithWarning
	}
	if blocked == BlockedAuthz {
		return ExitAuthzDenied
	}
	return ExitAbort
}

// JudgeOutcome is the result, or absence of one, of querying a single judge.
type JudgeOutcome struct {
	JudgeID   string      `json:"judge_id"`
	Ready     bool        `json:"ready"`
	Verdicts  *VerdictSet `json:"verdicts,omitempty"`
	Error     string      `json:"error,omitempty"`
	LatencyMs float64     `json:"latency_ms"`
}

// QuorumStatus records how the quorum rule was applied.
type QuorumStatus struct {
	K                   int    `json:"k"`
	N                   int    `json:"n"`
	ReadyCount          int    `json:"ready_count"`
	QuorumMet           bool   `json:"quorum_met"`
	FailClosedOnDegrade bool   `json:"fail_closed_on_degrade"`
	Aggregation         string `json:"aggregation"`
}

// GateDecision is the full record of one gate invocation.
type GateDecision struct {
	GateID    string         `json:"gate_id"`
	Release   string         `json:"release,omitempty"`
	Decision  Decision       `json:"decision"`
	ExitCode  int            `json:"exit_code"`
	BlockedBy BlockReason    `json:"blocked_by,omitempty"`
	Reasons   []string       `json:"reasons"`
	Quorum    QuorumStatus   `json:"quorum"`
	Judges    []JudgeOutcome `json:"judges"`
	Verdicts  *VerdictSet    `json:"verdicts,omitempty"`
	Drift     *DriftReport   `json:"drift,omitempty"`
	Canary    *CanaryPolicy  `json:"canary,omitempty"`
	DecidedAt time.Time      `json:"decided_at"`

	// Replayed is set when the decision was read back from the decision
	// store instead of being computed by this invocation.
	Replayed bool `json:"replayed,omitempty"`
}
