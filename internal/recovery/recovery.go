// Package recovery purges local state and forces the tab to reload. It is
// the last resort other components fall back to on terminal failure.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/kv"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/scheduler"
)

// CacheStore lists and deletes named response caches.
type CacheStore interface {
	ListCaches(ctx context.Context) ([]string, error)
	DeleteCache(ctx context.Context, name string) error
}

// Navigator reloads or re-navigates the tab. An empty url passed to Assign
// means the tab's current location.
type Navigator interface {
	Reload(ctx context.Context, bypassCache bool) error
	Assign(ctx context.Context, url string) error
}

// CookieJar exposes the cookies of the request being answered.
type CookieJar interface {
	Names() []string
	Expire(name string)
}

// Scope selects local keys for a purge.
type Scope struct {
	// UserID, when set, also selects keys that contain it.
	UserID string
}

// RefreshOptions selects the steps of ForceCompleteRefresh.
type RefreshOptions struct {
	PurgeCaches     bool
	PurgeLocalState bool
	PurgeCookies    bool
	Cookies         CookieJar
	UserID          string
	Delay           time.Duration
	BeforeReload    func()
	Reason          string
}

// Config holds the namespaces the orchestrator may purge.
type Config struct {
	Namespace      string
	CookiePrefixes []string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	SessionStore kv.Store
	DurableStore kv.Store
	Caches       CacheStore
	Navigator    Navigator
	Events       events.Emitter
	Clock        scheduler.Clock
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Orchestrator coordinates purges and reloads.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// PurgeLocalState removes app-namespaced keys, and keys containing
// scope.UserID, from both local stores. It returns the number of removed
// keys; failures in one store do not stop the other.
func (o *Orchestrator) PurgeLocalState(ctx context.Context, scope Scope) (int, error) {
	match := kv.PrefixOrContains(o.cfg.Namespace, scope.UserID)

	var errs []error
	total := 0
	for _, s := range []struct {
		name  string
		store kv.Store
	}{
		{"session", o.deps.SessionStore},
		{"durable", o.deps.DurableStore},
	} {
		if s.store == nil {
			continue
		}
		n, err := kv.RemoveMatching(ctx, s.store, match)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s store: %w", s.name, err))
		}
	}

	o.deps.Logger.Info("Local state purged",
		"user_id", scope.UserID,
		"keys_removed", total,
	)
	o.deps.Events.Emit(events.StatePurged, map[string]any{"keys_removed": total})
	return total, errors.Join(errs...)
}

// PurgeCaches deletes every response cache.
func (o *Orchestrator) PurgeCaches(ctx context.Context) (int, error) {
	if o.deps.Caches == nil {
		return 0, nil
	}
	names, err := o.deps.Caches.ListCaches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list caches: %w", err)
	}
	var errs []error
	deleted := 0
	for _, name := range names {
		if err := o.deps.Caches.DeleteCache(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %q: %w", name, err))
			continue
		}
		deleted++
	}
	o.deps.Logger.Info("Response caches purged", "caches_deleted", deleted)
	return deleted, errors.Join(errs...)
}

// PurgeCookies expires every cookie in jar with an app or auth prefix.
func (o *Orchestrator) PurgeCookies(jar CookieJar) int {
	if jar == nil {
		return 0
	}
	expired := 0
	for _, name := range jar.Names() {
		if !o.cookieMatches(name) {
			continue
		}
		jar.Expire(name)
		expired++
	}
	return expired
}

func (o *Orchestrator) cookieMatches(name string) bool {
	for _, prefix := range o.cfg.CookiePrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ForceHardReload asks the tab to reload bypassing its cache. It never
// fails: a reload error falls back to re-assigning the current location,
// and a failed fallback is only logged.
func (o *Orchestrator) ForceHardReload(ctx context.Context, reason string) {
	o.deps.Metrics.Reload(reason)
	o.deps.Events.Emit(events.ReloadRequested, map[string]any{"reason": reason})

	if o.deps.Navigator == nil {
		o.deps.Logger.Warn("No navigator available for reload", "reason", reason)
		return
	}

	err := o.deps.Navigator.Reload(ctx, true)
	if err == nil {
		o.deps.Logger.Info("Hard reload requested", "reason", reason)
		return
	}
	o.deps.Logger.Warn("Hard reload failed, falling back to navigation", "reason", reason, "error", err)

	if err := o.deps.Navigator.Assign(ctx, ""); err != nil {
		o.deps.Logger.Error("Fallback navigation failed", "reason", reason, "error", err)
	}
}

// ForceCompleteRefresh runs the selected purges, waits opts.Delay, calls
// opts.BeforeReload and reloads. Purge failures are logged and never stop
// the reload.
func (o *Orchestrator) ForceCompleteRefresh(ctx context.Context, opts RefreshOptions) {
	if opts.PurgeCaches {
		if _, err := o.PurgeCaches(ctx); err != nil {
			o.deps.Logger.Warn("Cache purge failed", "error", err)
		}
	}
	if opts.PurgeLocalState {
		if _, err := o.PurgeLocalState(ctx, Scope{UserID: opts.UserID}); err != nil {
			o.deps.Logger.Warn("Local state purge failed", "error", err)
		}
	}
	if opts.PurgeCookies {
		n := o.PurgeCookies(opts.Cookies)
		o.deps.Logger.Info("Cookies expired", "cookies_expired", n)
	}

	if opts.Delay > 0 {
		if err := scheduler.Sleep(ctx, o.deps.Clock, opts.Delay); err != nil {
			o.deps.Logger.Warn("Refresh delay interrupted", "error", err)
		}
	}
	if opts.BeforeReload != nil {
		opts.BeforeReload()
	}

	reason := opts.Reason
	if reason == "" {
		reason = "complete_refresh"
	}
	o.ForceHardReload(context.WithoutCancel(ctx), reason)
}
