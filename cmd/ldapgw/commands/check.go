package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the directory can be reached and bound",
	Long: `Open one session against the configured directory, bind with the
service identity and unbind. Exits non-zero when any stage fails.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx, cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}

	connConfig, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}

	connector, err := ldapclient.NewConnector(ctx, connConfig)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := connector.Check(ctx); err != nil {
		return fmt.Errorf("%s: %w", connector, err)
	}

	server := connector.Server()
	cmd.Printf("OK: %s bound as %s in %s\n", ldapclient.ServerInfoToURL(&server), cfg.LDAP.BindDN, time.Since(start).Round(time.Millisecond))
	return nil
}
