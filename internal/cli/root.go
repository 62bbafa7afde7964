// Package cli holds the scriptsched command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var flagConfig string

// Version is stamped at build time with -ldflags.
var Version = "dev"

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptsched",
		Short:         "Run scripts on cron, interval and one-shot schedules",
		Long:          "scriptsched runs scripts on schedules with dependency gating, retries, alerts and health heartbeats.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
	)
	return root
}
