package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/autotune"
	"github.com/fractal-lba/releasegate/internal/calibration"
	"github.com/fractal-lba/releasegate/internal/canary"
	"github.com/fractal-lba/releasegate/internal/drift"
	"github.com/fractal-lba/releasegate/internal/slo"
)

// judgeCmd evaluates an SLO document against one witness
func judgeCmd() *cobra.Command {
	var sloPath, witnessPath, outPath string

	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Evaluate an SLO document against a witness file",
		Long: `Acts as a single local judge: prints the verdicts document and exits 0 when
every route passes, 2 otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := slo.LoadDocument(sloPath)
			if err != nil {
				return err
			}
			witness, err := slo.LoadWitness(witnessPath)
			if err != nil {
				return err
			}

			set := slo.JudgeDocument(doc, witness)
			state.log.Debugw("judged document", "routes", len(set.Routes), "verdict", set.OverallVerdict)

			if err := printJSON(set, outPath); err != nil {
				return err
			}
			if set.OverallVerdict != api.Pass {
				return &exitError{code: api.ExitAbort}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sloPath, "slo", "", "SLO document (JSON or YAML)")
	cmd.Flags().StringVar(&witnessPath, "witness", "", "Witness metrics (JSON or YAML)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the verdicts to this file")
	cmd.MarkFlagRequired("slo")
	cmd.MarkFlagRequired("witness")

	return cmd
}

// driftCmd grades the drift between a prior and a posterior Beta distribution
func driftCmd() *cobra.Command {
	var (
		prior, posterior drift.BetaParams
		outPath          string
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare prior and posterior Beta distributions and grade the drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := state.cfg.DriftMonitor().Classify(prior, posterior)
			if err != nil {
				return err
			}
			state.metrics.RecordDrift(string(report.Severity), report.KL)
			state.pushMetrics(cmd.Context(), "")

			state.log.Infow("drift evaluated",
				"severity", report.Severity,
				"kl", report.KL,
				"abs_diff", report.AbsDiff,
				"reasons", report.ReasonCodes,
			)

			if outPath != "" {
				if err := drift.WriteReport(outPath, report); err != nil {
					return err
				}
			}
			return printJSON(report, "")
		},
	}

	cmd.Flags().Float64Var(&prior.Alpha, "prior-alpha", 1, "Prior Beta alpha")
	cmd.Flags().Float64Var(&prior.Beta, "prior-beta", 1, "Prior Beta beta")
	cmd.Flags().Float64Var(&posterior.Alpha, "posterior-alpha", 1, "Posterior Beta alpha")
	cmd.Flags().Float64Var(&posterior.Beta, "posterior-beta", 1, "Posterior Beta beta")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the drift report to this file")

	return cmd
}

// canaryCmd throttles the canary section of a policy file from the latest drift report
func canaryCmd() *cobra.Command {
	var driftPath, policyPath string

	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Apply the latest drift report to the canary rollout policy",
		Long: `Reads the drift report and rewrites the "canary" section of the policy file:
info keeps the policy, warn halves the step, critical disables rollout.
Without a drift report the policy file is left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := canary.Apply(cmd.Context(), driftPath, policyPath)
			if err != nil {
				return err
			}
			state.metrics.ObserveCanary(out.Policy.Enabled, out.Policy.StepPct)
			state.pushMetrics(cmd.Context(), "")

			if out.Drift == nil {
				state.log.Infow("no drift report, canary policy unchanged", "drift_report", driftPath)
			} else {
				state.log.Infow("canary policy updated",
					"severity", out.Severity,
					"changed", out.Changed,
					"enabled", out.Policy.Enabled,
					"step_pct", out.Policy.StepPct,
					"max_pct", out.Policy.MaxPct,
				)
			}
			return printJSON(out, "")
		},
	}

	cmd.Flags().StringVar(&driftPath, "drift-report", "drift_report.json", "Drift report")
	cmd.Flags().StringVar(&policyPath, "policy", "policy.json", "Policy file with a canary section")

	return cmd
}

// reconcileCmd compares the offline A/B prediction with the canary observation
func reconcileCmd() *cobra.Command {
	var abPath, canaryPath, outPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile an offline A/B prediction with the observed canary delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := calibration.ReconcileFiles(abPath, canaryPath)
			if err != nil {
				return err
			}
			state.log.Infow("calibration reconciled",
				"predicted", report.PredictedDelta,
				"observed", report.ObservedDelta,
				"sign_agreement", report.SignAgreement,
				"ratio", float64(report.CalibrationRatio),
			)
			return printJSON(report, outPath)
		},
	}

	cmd.Flags().StringVar(&abPath, "ab-report", "", "Offline A/B report")
	cmd.Flags().StringVar(&canaryPath, "canary", "", "Canary comparison")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the reconcile report to this file")
	cmd.MarkFlagRequired("ab-report")
	cmd.MarkFlagRequired("canary")

	return cmd
}

// autotuneCmd suggests promotion thresholds from historical A/B reports
func autotuneCmd() *cobra.Command {
	var historyPath, calibrationPath, outPath string
	var safety float64

	cmd := &cobra.Command{
		Use:   "autotune",
		Short: "Suggest promotion thresholds from the A/B report history",
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := autotune.ReadHistory(historyPath)
			if err != nil {
				return err
			}

			gain := 1.0
			if calibrationPath != "" {
				rr, err := calibration.LoadReport(calibrationPath)
				if err != nil {
					return err
				}
				gain = calibration.GainFromReport(rr)
			}

			result := autotune.Suggest(reports, gain, safety)
			state.log.Infow("thresholds suggested",
				"reports", len(reports),
				"gain", gain,
				"method", result.Method,
				"delta_threshold", result.DeltaThreshold,
			)
			return printJSON(result, outPath)
		},
	}

	cmd.PersistentFlags().StringVar(&historyPath, "history", "ab_history.jsonl", "A/B report history (JSON lines)")
	cmd.Flags().StringVar(&calibrationPath, "calibration", "", "Reconcile report supplying the calibration gain")
	cmd.Flags().Float64Var(&safety, "safety", autotune.DefaultSafetyFactor, "Safety factor applied to the robust scale")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the suggestion to this file")

	cmd.AddCommand(autotuneRecordCmd(&historyPath))

	return cmd
}

// autotuneRecordCmd appends A/B reports to the history
func autotuneRecordCmd(historyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "record <ab-report.json>...",
		Short: "Append A/B reports to the autotune history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := autotune.OpenHistory(*historyPath)
			if err != nil {
				return err
			}

			var errs []error
			for _, path := range args {
				entry, err := calibration.LoadABReport(path)
				if err == nil {
					err = h.Append(entry)
				}
				if err != nil {
					errs = append(errs, err)
					continue
				}
				state.log.Infow("recorded A/B report", "path", path, "history", h.Path())
			}
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}
