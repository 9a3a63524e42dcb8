package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/golemexec/internal/metrics"
)

// ServeMetricsOptions holds flags for the serve-metrics command.
type ServeMetricsOptions struct {
	*RootOptions
	Listen string
}

// NewServeMetricsCommand creates the serve-metrics command.
func NewServeMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeMetricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose oplog storage metrics for Prometheus",
		Long: `Serve /metrics with the size of every stored oplog, read at scrape
time, plus Go runtime and process metrics.

The listen address defaults to metrics.listen from the configuration.

Examples:
  golem-oplog serve-metrics --config golem.yaml
  golem-oplog serve-metrics --listen 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeMetrics(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides metrics.listen)")

	return cmd
}

func runServeMetrics(opts *ServeMetricsOptions, cmd *cobra.Command) error {
	b, err := opts.openBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	listen := opts.Listen
	if listen == "" {
		listen = opts.Config.Metrics.Listen
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewStorageCollector(b.Storage, 10*time.Second),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := metrics.Serve(ctx, listen, reg, opts.Logger); err != nil {
		return WrapExitError(ExitCommandError, "metrics server failed", err)
	}
	return nil
}
