package cmd

import (
	"github.com/spf13/cobra"

	"github.com/csi-portal/portal/hub/internal/wizard"
	"github.com/csi-portal/portal/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			p := cli.DefaultPrompter()
			p.Out = cmd.OutOrStdout()
			_, err := wizard.New(p).Run(output)
			return err
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path, .yaml or .json (default: ./portal-hub.yaml)")
	return cmd
}
