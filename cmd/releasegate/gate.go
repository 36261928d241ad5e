package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/canary"
	"github.com/fractal-lba/releasegate/internal/drift"
	"github.com/fractal-lba/releasegate/internal/quorum"
	"github.com/fractal-lba/releasegate/internal/slo"
	"github.com/fractal-lba/releasegate/internal/store"
)

// gateCmd runs one quorum gate and exits with its decision code
func gateCmd() *cobra.Command {
	var (
		sloPath     string
		gateID      string
		release     string
		token       string
		driftPath   string
		policyPath  string
		outPath     string
		witnesses   []string
		quorumSpec  string
		failClosed  bool
		aggregation string
	)

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Query all judges and decide whether the release may proceed",
		Long: `Dispatches the SLO document to every configured judge, applies the k/n quorum
rule and prints the gate decision as JSON. The process exit code is the decision:
0 proceed, 1 proceed with warning, 2 abort, 3 authorization denied.

Judges come from the config file, or from repeated --witness id=path flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := state.cfg
			log := state.log

			doc, err := slo.LoadDocument(sloPath)
			if err != nil {
				return err
			}

			qc, err := cfg.QuorumConfig()
			if err != nil {
				return err
			}

			var judges []quorum.Judge
			if len(witnesses) > 0 {
				judges, err = localJudges(witnesses)
			} else {
				judges, err = cfg.BuildJudges(nil)
			}
			if err != nil {
				return err
			}

			opts := []quorum.Option{
				quorum.WithLogger(log),
				quorum.WithMetrics(state.metrics),
			}

			authorizer, err := cfg.Authorizer()
			if err != nil {
				return err
			}
			if authorizer != nil {
				opts = append(opts, quorum.WithAuthorizer(authorizer))
			}

			decisions, err := store.Open(ctx, cfg.StoreOptions())
			if err != nil {
				return err
			}
			defer decisions.Close()
			opts = append(opts, quorum.WithStore(decisions, cfg.Store.TTL))

			coordinator, err := quorum.New(qc, judges, opts...)
			if err != nil {
				return err
			}

			req := quorum.Request{
				GateID:   gateID,
				Release:  release,
				Token:    token,
				Document: doc,
			}
			if req.Token == "" {
				req.Token = os.Getenv("RELEASEGATE_TOKEN")
			}

			if driftPath != "" {
				report, err := drift.LoadReport(driftPath)
				if err != nil {
					return err
				}
				req.Drift = report
			}
			if policyPath != "" {
				current, err := canary.ReadPolicy(policyPath)
				if err != nil {
					return err
				}
				req.Canary = &current
			}

			d, err := coordinator.Decide(ctx, req)
			if err != nil {
				return err
			}

			state.pushMetrics(ctx, d.GateID)

			if err := printJSON(d, outPath); err != nil {
				return err
			}
			if d.ExitCode != api.ExitProceed {
				return &exitError{code: d.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sloPath, "slo", "", "SLO document (JSON or YAML)")
	cmd.Flags().StringVar(&gateID, "gate-id", "", "Gate id; a recorded decision for it is replayed (default: random uuid)")
	cmd.Flags().StringVar(&release, "release", "", "Release semantic version")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default: $RELEASEGATE_TOKEN)")
	cmd.Flags().StringVar(&driftPath, "drift-report", "", "Drift report used to throttle the attached canary policy")
	cmd.Flags().StringVar(&policyPath, "canary-policy", "", "Policy file holding the current canary section")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the decision to this file")
	cmd.Flags().StringArrayVar(&witnesses, "witness", nil, "Local judge as id=path (repeatable, replaces configured judges)")
	cmd.Flags().StringVar(&quorumSpec, "quorum", "", "Quorum k/n")
	cmd.Flags().BoolVar(&failClosed, "fail-closed", true, "Abort when fewer than k judges are ready")
	cmd.Flags().StringVar(&aggregation, "aggregation", "", "Verdict aggregation (unanimous, majority)")
	cmd.MarkFlagRequired("slo")

	bindConfigKey(cmd.Flags(), "quorum", "quorum")
	bindConfigKey(cmd.Flags(), "fail-closed", "fail_closed_on_degrade")
	bindConfigKey(cmd.Flags(), "aggregation", "aggregation")

	return cmd
}

// localJudges parses id=path witness flags. A bare path uses its position as id.
func localJudges(specs []string) ([]quorum.Judge, error) {
	judges := make([]quorum.Judge, 0, len(specs))
	for i, spec := range specs {
		id, path, ok := strings.Cut(spec, "=")
		if !ok {
			id, path = fmt.Sprintf("judge-%d", i+1), spec
		}
		if id == "" || path == "" {
			return nil, &quorum.ConfigError{Field: "witness", Message: fmt.Sprintf("invalid judge %q, want id=path", spec)}
		}
		judges = append(judges, quorum.NewLocalJudge(id, path))
	}
	return judges, nil
}

// statusCmd prints a recorded gate decision
func statusCmd() *cobra.Command {
	var gateID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded decision of a gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			decisions, err := store.Open(ctx, state.cfg.StoreOptions())
			if err != nil {
				return err
			}
			defer decisions.Close()

			d, err := decisions.Get(ctx, gateID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no decision recorded for gate %s", gateID)
			}
			if err != nil {
				return err
			}
			return printJSON(d, "")
		},
	}

	cmd.Flags().StringVar(&gateID, "gate-id", "", "Gate id")
	cmd.MarkFlagRequired("gate-id")

	return cmd
}
