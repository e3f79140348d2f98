package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/membership"
	"github.com/csi-portal/portal/hub/internal/store"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep [config-file]",
		Short: "Demote every member whose membership has ended, then exit",
		Long: "sweep runs one expiry pass directly against the configured database. " +
			"Use it from cron when the hub's own sweep interval is disabled.",
		Args: cobra.MaximumNArgs(1),
		RunE: runSweep,
	}
	cmd.Flags().String("at", "", "treat this RFC 3339 time as now (default: current time)")
	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, args, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	now := time.Now()
	if at, _ := cmd.Flags().GetString("at"); at != "" {
		now, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, cfg.Logging)
	res, err := membership.NewReconciler(db, cfg.Membership, logger, nil).Sweep(ctx, now)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated %d\n", res.Updated)
	if err != nil {
		return fmt.Errorf("sweep incomplete: %w", err)
	}
	return nil
}
