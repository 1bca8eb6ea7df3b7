package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/clinote/internal/store"
)

func purgeCmd() *cobra.Command {
	var (
		owner   string
		idleFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove durable local state offline",
		Long: `Remove durable local state without running the server.

  clinoted purge --owner anon_<id>    delete one device's values and caches
  clinoted purge --idle 720h          delete devices unseen for longer than 720h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner == "" && idleFor <= 0 {
				return fmt.Errorf("one of --owner or --idle is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer func() {
				if closeErr := repo.Close(); closeErr != nil {
					slog.Error("Failed to close repository", "error", closeErr)
				}
			}()
			return runPurge(cmd.Context(), cmd, repo, owner, idleFor)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "device id whose durable values and caches are removed")
	cmd.Flags().DurationVar(&idleFor, "idle", 0, "remove devices unseen for longer than this")
	return cmd
}

func runPurge(ctx context.Context, cmd *cobra.Command, repo store.Repository, owner string, idleFor time.Duration) error {
	out := cmd.OutOrStdout()
	if owner != "" {
		values, caches, err := repo.PurgeOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("purge owner %s: %w", owner, err)
		}
		fmt.Fprintf(out, "owner %s: %d values, %d cache entries removed\n", owner, values, caches)
	}
	if idleFor > 0 {
		n, err := repo.PurgeIdleUsers(ctx, idleFor)
		if err != nil {
			return fmt.Errorf("purge idle users: %w", err)
		}
		fmt.Fprintf(out, "%d idle devices removed\n", n)
	}
	return nil
}
