// Package cmd implements the portal-hub command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for portal-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "portal-hub",
		Short: "CSI portal hub, payments and executive memberships",
		Long:  "portal-hub creates gateway orders, verifies payments, commits memberships and demotes expired members.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newHashTokenCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
