package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/drift"
)

// policyKey is the top-level key of the policy file owned by this package.
const policyKey = "canary"

const (
	minStepPct   = 5
	minMaxPct    = 30
	stepFactor   = 0.5
	maxPctFactor = 0.7
)

// DefaultPolicy is the rollout used when no drift has been observed.
func DefaultPolicy() api.CanaryPolicy {
	return api.CanaryPolicy{Enabled: true, StepPct: 10, MaxPct: 50}
}

// Next returns the policy that follows current under the given drift severity.
//
//	critical: rollout disabled, step and max kept as they were
//	warn:     step halved (floor 5), max cut to 70% (floor 30)
//	info:     reset to DefaultPolicy
//
// Unknown severities are treated as info. Halves round to even.
func Next(severity api.Severity, current api.CanaryPolicy) api.CanaryPolicy {
	switch severity {
	case api.SeverityCritical:
		next := current
		next.Enabled = false
		return next
	case api.SeverityWarn:
		return api.CanaryPolicy{
			Enabled: true,
			StepPct: max(minStepPct, roundPct(float64(current.StepPct)*stepFactor)),
			MaxPct:  max(minMaxPct, roundPct(float64(current.MaxPct)*maxPctFactor)),
		}
	default:
		return DefaultPolicy()
	}
}

func roundPct(v float64) int {
	return int(math.RoundToEven(v))
}

// Outcome describes what Apply did.
type Outcome struct {
	Changed  bool             `json:"changed"`
	Severity api.Severity     `json:"severity,omitempty"`
	Previous api.CanaryPolicy `json:"previous"`
	Policy   api.CanaryPolicy `json:"policy"`
	Drift    *api.DriftReport `json:"drift,omitempty"`
}

// Apply reads the latest drift report and rewrites the canary section of the
// policy file in place. Other top-level keys of the file are kept.
//
// Without a drift report Apply does nothing and leaves the file untouched. A
// missing policy file starts from DefaultPolicy.
func Apply(ctx context.Context, driftReportPath, policyPath string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report, err := drift.LoadReport(driftReportPath)
	if err != nil {
		return nil, err
	}

	doc, current, err := readPolicyFile(policyPath)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return &Outcome{Previous: current, Policy: current}, nil
	}

	next := Next(report.Severity, current)
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal canary policy: %w", err)
	}
	doc[policyKey] = raw

	if err := writeFileAtomic(policyPath, doc); err != nil {
		return nil, err
	}

	return &Outcome{
		Changed:  next != current,
		Severity: report.Severity,
		Previous: current,
		Policy:   next,
		Drift:    report,
	}, nil
}

// ReadPolicy returns the canary section of a policy file, or DefaultPolicy
// when the file or the section does not exist.
func ReadPolicy(path string) (api.CanaryPolicy, error) {
	_, p, err := readPolicyFile(path)
	return p, err
}

func readPolicyFile(path string) (map[string]json.RawMessage, api.CanaryPolicy, error) {
	doc := map[string]json.RawMessage{}
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, policy, nil
		}
		return nil, policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, policy, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	if raw, ok := doc[policyKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &policy); err != nil {
			return nil, policy, fmt.Errorf("parse %q section of %s: %w", policyKey, path, err)
		}
	}
	return doc, policy, nil
}

// writeFileAtomic replaces path with doc through a temp file and a rename.
func writeFileAtomic(path string, doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".canary-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp policy file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp policy file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp policy file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace policy file: %w", err)
	}
	return nil
}
