package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("ldapgw %s (commit: %s, built: %s, %s)\n", Version, Commit, Date, runtime.Version())
	},
}
