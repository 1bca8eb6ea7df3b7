package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/clinote/internal/api"
	"github.com/ashureev/clinote/internal/backend"
	"github.com/ashureev/clinote/internal/config"
	"github.com/ashureev/clinote/internal/hub"
	"github.com/ashureev/clinote/internal/identity"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/middleware"
	"github.com/ashureev/clinote/internal/store"
	"github.com/ashureev/clinote/internal/workspace"
)

const (
	shutdownTimeout     = 10 * time.Second
	healthProbeInterval = 30 * time.Second
	backendHTTPTimeout  = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the tab event stream and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "backend", cfg.Backend.Mode, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(parent); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	provider, err := newProvider(cfg, repo)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tabs := hub.New(slog.Default(), m)
	mgr := workspace.NewManager(workspace.ConfigFrom(cfg), workspace.ManagerDeps{
		Provider: provider,
		Repo:     repo,
		Tabs:     tabs,
		Metrics:  m,
	})

	baseHandler := api.NewHandler(repo, mgr, tabs, cfg)
	workspaceHandler := api.NewWorkspaceHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, mgr)
	wsHandler := hub.NewHandler(tabs, func(userID, sessionID string) (hub.Tab, bool) {
		ws, ok := mgr.Get(userID, sessionID)
		if !ok {
			return nil, false
		}
		return ws, true
	}, repo, cfg.FrontendURL, cfg.IsDevelopment(), cfg.Workspace.OutboxSize, m)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Tab routes run under the anonymous device identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		workspaceHandler.RegisterRoutes(r)
		r.Get("/ws/events", wsHandler.ServeHTTP)
	})

	// WriteTimeout stays 0 so event streams are not cut.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workspace.StartReaper(ctx, mgr, repo, workspace.ReaperConfig{
		Interval:     cfg.Workspace.ReaperInterval,
		WorkspaceTTL: cfg.Workspace.TTL,
		UserTTL:      cfg.Workspace.UserTTL,
	}, func(key workspace.Key) {
		tabs.CloseSession(key.UserID, key.SessionID, "workspace expired")
		baseHandler.Forget(key)
	})

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
		grpcLis      net.Listener
	)
	if cfg.GRPCPort != "" {
		lc := net.ListenConfig{}
		grpcLis, err = lc.Listen(ctx, "tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen on grpc port %s: %w", cfg.GRPCPort, err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			slog.Info("gRPC health server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			watchHealth(gctx, repo, healthServer, healthProbeInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if healthServer != nil {
			healthServer.Shutdown()
		}
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		if grpcServer != nil {
			grpcServer.Stop()
		}
		mgr.CloseAll(shutdownCtx)
		tabs.CloseAll("server shutting down")
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

func newProvider(cfg *config.Config, repo store.Repository) (backend.Provider, error) {
	switch cfg.Backend.Mode {
	case "local":
		slog.Info("Using local backend", "session_ttl", cfg.Backend.LocalSessionTTL)
		return backend.NewLocalProvider(repo, cfg.Backend.LocalSessionTTL, slog.Default()), nil
	case "http":
		slog.Info("Using HTTP backend", "url", cfg.Backend.URL)
		client := &http.Client{Timeout: backendHTTPTimeout}
		return backend.NewHTTPProvider(cfg.Backend.URL, cfg.Backend.APIKey, client, slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// watchHealth mirrors database reachability into the gRPC health status
// until ctx is done.
func watchHealth(ctx context.Context, repo store.Repository, hs *health.Server, interval time.Duration) {
	probe := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err := repo.Ping(pingCtx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Database unreachable, reporting not serving", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			probe()
		case <-ctx.Done():
			return
		}
	}
}
