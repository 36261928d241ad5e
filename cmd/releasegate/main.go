package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/config"
	"github.com/fractal-lba/releasegate/internal/logging"
	"github.com/fractal-lba/releasegate/internal/metrics"
	"github.com/fractal-lba/releasegate/internal/slo"
	"github.com/fractal-lba/releasegate/pkg/otel"
)

const (
	serviceName = "releasegate"
	version     = "0.3.0"

	// configKeyAnnotation marks a flag that overrides a config key.
	configKeyAnnotation = "releasegate/config-key"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
)

// app is the state shared by every subcommand once the config is loaded.
type app struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracer   *sdktrace.TracerProvider
}

var state app

// exitError carries a gate exit code through cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	state.shutdown()

	if err == nil {
		return api.ExitProceed
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	// configuration and parse errors fail closed
	return api.ExitAbort
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "releasegate",
		Short: "Quorum-based release gate for SLO verdicts, drift and canary rollout",
		Long: `releasegate decides whether a release may be promoted. A gate queries every
configured judge for SLO verdicts, requires k of n judges to answer, and exits
0 (proceed), 1 (proceed with warning), 2 (abort) or 3 (authorization denied).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
	bindConfigKey(rootCmd.PersistentFlags(), "log-level", "log.level")
	bindConfigKey(rootCmd.PersistentFlags(), "log-format", "log.format")

	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(judgeCmd())
	rootCmd.AddCommand(driftCmd())
	rootCmd.AddCommand(canaryCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(autotuneCmd())
	rootCmd.AddCommand(serveCmd())

	return rootCmd
}

// bindConfigKey makes an explicitly set flag override key in the loaded config.
func bindConfigKey(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || !f.Changed || len(keys) == 0 {
			return
		}
		overrides[keys[0]] = f.Value.String()
	})
	return overrides
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, flagOverrides(cmd))
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewWith(reg, func() (uint64, uint64) {
		s := slo.DefaultCacheStats()
		return s.Hits, s.Misses
	})

	state = app{cfg: cfg, log: log, registry: reg, metrics: m}

	if cfg.Otel.Enabled {
		tp, err := otel.InitTracer(cmd.Context(), cfg.OtelConfig(serviceName, version))
		if err != nil {
			log.Warnw("tracing disabled", "error", err)
		} else {
			state.tracer = tp
		}
	}
	return nil
}

func (a *app) shutdown() {
	defer func() { *a = app{} }()
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(ctx, a.tracer); err != nil && a.log != nil {
			a.log.Warnw("tracer shutdown failed", "error", err)
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// pushMetrics sends this invocation's metrics to the configured Pushgateway.
// Failures are logged, never fatal.
func (a *app) pushMetrics(ctx context.Context, gateID string) {
	url := a.cfg.Metrics.Pushgateway
	if url == "" {
		return
	}
	if err := metrics.Push(ctx, url, a.registry, gateID); err != nil {
		a.log.Warnw("metrics push failed", "error", err)
	}
}

// printJSON writes v to stdout and, when path is set, to path.
func printJSON(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path != "" {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	_, err = os.Stdout.Write(data)
	return err
}
