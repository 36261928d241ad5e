package main

import (
	"github.com/spf13/cobra"

	"github.com/fractal-lba/releasegate/internal/judgeserver"
)

// serveCmd runs a remote judge
func serveCmd() *cobra.Command {
	var addr, witnessPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve this host's witness as a remote judge",
		Long: `Starts the judge server. POST /v1/judge evaluates a posted SLO document against
the server's witness file, POST /v1/evaluate evaluates a posted document and
witness. /health and /metrics are always available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.cfg

			authorizer, err := cfg.Authorizer()
			if err != nil {
				return err
			}

			srv := judgeserver.New(judgeserver.Config{
				Addr:        cfg.Server.Addr,
				WitnessPath: cfg.Server.Witness,
				Rate:        cfg.Server.Rate,
				Burst:       cfg.Server.Burst,
			},
				judgeserver.WithAuthorizer(authorizer),
				judgeserver.WithMetrics(state.metrics, state.registry),
				judgeserver.WithLogger(state.log),
			)
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&witnessPath, "witness", "", "Witness file judged by /v1/judge")
	bindConfigKey(cmd.Flags(), "addr", "server.addr")
	bindConfigKey(cmd.Flags(), "witness", "server.witness")

	return cmd
}
