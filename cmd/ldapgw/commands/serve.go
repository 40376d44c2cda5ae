package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/isometry/ldapgw/internal/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the HTTP gateway until SIGINT or SIGTERM.

Examples:
  # Serve with a config file
  ldapgw serve --config /etc/ldapgw/config.yaml

  # Override settings from the environment
  LDAPGW_LOG_LEVEL=debug LDAPGW_SERVER_LISTEN=:9000 ldapgw serve -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	tflog.Info(ctx, "Starting ldapgw", map[string]any{
		"version": Version,
		"commit":  Commit,
		"config":  configSource(),
	})

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	srv, err := gateway.NewServer(ctx, cfg, reg)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	return srv.Run(ctx)
}

func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "environment"
}
