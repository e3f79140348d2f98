package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/csi-portal/portal/hub/internal/auth"
	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/pkg/cli"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the builtin JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.Provider != "builtin" {
				return fmt.Errorf("tokens can only be issued by the builtin provider, configured provider is %q", cfg.Auth.Provider)
			}

			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			if userID == "" {
				return errors.New("--user is required")
			}
			username, _ := cmd.Flags().GetString("name")
			if username == "" {
				username = userID
			}

			tok, err := auth.NewService(cfg.Auth).IssueToken(userID, username, role)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id the token is issued for")
	cmd.Flags().String("name", "", "display name (default: user id)")
	cmd.Flags().String("role", auth.RoleAdmin, "role: admin or user")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an ops token for auth.ops_token_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				p := cli.DefaultPrompter()
				p.In = cmd.InOrStdin()
				p.Out = cmd.ErrOrStderr()
				token = p.AskSecret("Ops token", "")
			}
			hash, err := auth.HashOpsToken(token)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
