package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/clinote/internal/store"
)

// ReapCallback is called for every workspace closed by the reaper.
type ReapCallback func(key Key)

// ReaperConfig controls the idle sweep.
type ReaperConfig struct {
	Interval time.Duration
	// WorkspaceTTL closes workspaces unused for this long.
	WorkspaceTTL time.Duration
	// UserTTL purges the durable state of devices unseen for this long. Zero disables it.
	UserTTL time.Duration
}

// StartReaper runs a background goroutine that periodically closes idle
// workspaces and purges the local state of long-gone devices.
func StartReaper(ctx context.Context, mgr *Manager, repo store.Repository, cfg ReaperConfig, onReap ReapCallback) {
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Workspace reaper started", "interval", cfg.Interval, "ttl", cfg.WorkspaceTTL)

		for {
			select {
			case <-ticker.C:
				reapIdle(ctx, mgr, repo, cfg, onReap)
			case <-ctx.Done():
				slog.Info("Workspace reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapIdle(ctx context.Context, mgr *Manager, repo store.Repository, cfg ReaperConfig, onReap ReapCallback) int {
	idle := mgr.Idle(cfg.WorkspaceTTL)
	if len(idle) > 0 {
		slog.Info("Workspace reaper found idle workspaces", "count", len(idle))
	}

	closed := 0
	for _, key := range idle {
		if !mgr.Close(ctx, key.UserID, key.SessionID) {
			continue
		}
		closed++
		if onReap != nil {
			onReap(key)
		}
	}
	if closed > 0 {
		slog.Info("Workspace reaper cleanup completed", "closed", closed)
	}

	if repo == nil || cfg.UserTTL <= 0 {
		return closed
	}
	if purged, err := repo.PurgeIdleUsers(ctx, cfg.UserTTL); err != nil {
		slog.Error("Workspace reaper failed to purge idle users", "error", err)
	} else if purged > 0 {
		slog.Info("Workspace reaper purged idle users", "count", purged)
	}
	return closed
}
