package cli

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/spin-stack/spinvm/internal/host/network/ipallocator"
	"github.com/spin-stack/spinvm/internal/metrics"
	"github.com/spin-stack/spinvm/internal/version"
)

var metricsAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Run the daemon until interrupted. Backend events keep instance states
current and the metrics endpoint is served when an address is configured.
Guests keep running when the daemon exits, except on the vz driver where
they live inside the daemon process.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Listen address for /metrics (overrides metrics.address)")
}

func runServe(cmd *cobra.Command, args []string) (retErr error) {
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ipallocator.SetMetricsProvider(ipallocator.NewPrometheusMetricsProvider(reg))

	d, err := openDaemon(ctx, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	logger := log.G(ctx).WithFields(log.Fields{
		"version": version.Short(),
		"driver":  cfg.Backend.Driver,
	})
	if err := d.HealthCheck(ctx); err != nil {
		return fmt.Errorf("hypervisor %s is not usable: %w", cfg.Backend.Driver, err)
	}

	addr := cfg.Metrics.Address
	if metricsAddress != "" {
		addr = metricsAddress
	}
	metricsErr := make(chan error, 1)
	if addr != "" {
		go func() { metricsErr <- metrics.Serve(ctx, addr, reg) }()
	}

	logger.Info("spinvmd started")
	select {
	case <-ctx.Done():
		logger.Info("spinvmd shutting down")
		return nil
	case err := <-metricsErr:
		return err
	}
}
