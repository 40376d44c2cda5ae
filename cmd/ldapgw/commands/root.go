// Package commands implements the ldapgw command line.
package commands

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldapgw/internal/config"
	"github.com/isometry/ldapgw/internal/gateway"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "ldapgw",
	Short: "Secure HTTP to LDAP search gateway",
	Long: `ldapgw answers typeahead-style directory lookups over HTTP.

Each request is rate limited per client, sanitized, turned into a fixed LDAP
filter and run against the directory over a fresh TLS-protected session.
Only whitelisted attributes are returned and upstream failures are reported
to callers as a generic error.

Configuration is read from --config and LDAPGW_* environment variables,
e.g. LDAPGW_LDAP_BIND_PASSWORD or LDAPGW_RATE_LIMIT_PER_MINUTE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML, TOML or JSON)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// loadConfig loads the configuration and a root logger at its level.
func loadConfig(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return ctx, nil, err
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ldapgw"),
		tfsdklog.WithLevel(hclog.LevelFromString(cfg.LogLevel)),
		tfsdklog.WithoutLocation(),
	)
	ctx = gateway.InitializeLogging(ctx)

	return ctx, cfg, nil
}
