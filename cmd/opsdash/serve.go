package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/backend"
	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/dashboard"
	"github.com/pitabwire/opsdash/internal/idempotency"
	"github.com/pitabwire/opsdash/internal/issue"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/internal/session"
	"github.com/pitabwire/opsdash/internal/transport"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefaults(opts.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve wires every dependency, runs the HTTP server until ctx is done and
// then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "opsdash", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	client, err := backend.New(cfg.Backend,
		backend.WithLogger(logger.Named("backend")),
		backend.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	var (
		store      idempotency.Store
		storeClose func() error
	)
	if cfg.Idempotency.Enabled {
		store, storeClose, err = idempotency.Open(cfg.Idempotency.Store)
		if err != nil {
			return err
		}
		logger.Info("idempotency store opened", zap.String("driver", cfg.Idempotency.Store.Driver))
	}

	sessions := session.NewManager(client, cfg.Sessions,
		session.WithLogger(logger.Named("sessions")),
		session.WithMetrics(metrics),
		session.WithDashboardOptions(
			dashboard.WithPerPage(cfg.Dashboard.PerPage),
			dashboard.WithLogger(logger.Named("dashboard")),
		),
		session.WithIssueOptions(
			issue.WithSuccessWindow(cfg.Detail.SuccessDisplayWindow),
			issue.WithLogger(logger.Named("issue")),
			issue.WithMetrics(metrics),
		),
	)

	readiness := observability.ReadinessChecks{
		Sessions: sessions,
		Backend:  client,
	}
	if store != nil {
		readiness.IdempotencyStore = observability.HealthCheckFunc(store.Ping)
	}

	var authenticate func(http.Handler) http.Handler
	if secret := cfg.Identity.Secret(); secret != "" {
		authenticate = transport.JWTAuthenticator(cfg.Identity, []byte(secret))
	} else {
		logger.Warn("operator authentication disabled, sessions are shared by all callers")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Sessions:     sessions,
		Idempotency:  store,
		Readiness:    readiness,
		Authenticate: authenticate,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go sessions.Run(bgCtx)
	if sweeper, ok := store.(idempotency.Sweeper); ok {
		go idempotency.RunSweeper(bgCtx, sweeper, cfg.Idempotency.SweepInterval, logger.Named("idempotency"))
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	sessions.Shutdown()

	if storeClose != nil {
		if err := storeClose(); err != nil {
			logger.Error("idempotency store close error", zap.Error(err))
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
