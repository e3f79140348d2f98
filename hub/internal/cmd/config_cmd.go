package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/csi-portal/portal/hub/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [config-file]",
		Short: "Validate the configuration and print it with defaults applied and secrets masked",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, args, defaultConfigPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			masked := *cfg
			masked.Auth.JWTSecret = maskToken(cfg.Auth.JWTSecret)
			masked.Auth.OpsTokenHash = maskToken(cfg.Auth.OpsTokenHash)
			masked.Payment.KeySecret = maskToken(cfg.Payment.KeySecret)
			masked.Notify.AMQPURL = maskToken(cfg.Notify.AMQPURL)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", configPath, data)
			return nil
		},
	}
}

// maskToken keeps the first 4 characters of a secret.
func maskToken(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
