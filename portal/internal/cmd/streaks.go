package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/covenant-hub/covenant/portal/internal/config"
	"github.com/covenant-hub/covenant/portal/internal/store"
	"github.com/covenant-hub/covenant/portal/internal/streak"
)

func newStreaksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streaks [config-file]",
		Short: "Run one pass of the at-risk streak warnings and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args, "covenant-portal.json"))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			logger := newLogger(cfg.Logging, os.Stderr)

			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			defer db.Close()

			job := streak.NewJob(db, streak.NewAuditNotifier(db, logger), streak.JobConfig{
				MinStreak:   cfg.Streaks.MinStreak,
				NotifyDelay: cfg.Streaks.NotifyDelay.Duration,
				Lookback:    cfg.Streaks.Lookback.Duration,
			}, logger)
			n, err := job.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("notified %d member(s)\n", n)
			return nil
		},
	}
}
