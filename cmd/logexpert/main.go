// LogExpert incident lifecycle and billing reconciliation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d9705996/logexpert/internal/api"
	"github.com/d9705996/logexpert/internal/api/handler"
	"github.com/d9705996/logexpert/internal/auth"
	"github.com/d9705996/logexpert/internal/billing"
	"github.com/d9705996/logexpert/internal/config"
	"github.com/d9705996/logexpert/internal/db"
	"github.com/d9705996/logexpert/internal/health"
	"github.com/d9705996/logexpert/internal/incident"
	"github.com/d9705996/logexpert/internal/notify"
	"github.com/d9705996/logexpert/internal/observability"
	"github.com/d9705996/logexpert/internal/oncall"
	"github.com/d9705996/logexpert/internal/realtime"
	"github.com/d9705996/logexpert/internal/seed"
	"github.com/d9705996/logexpert/internal/store"
	"github.com/d9705996/logexpert/internal/version"
	"github.com/d9705996/logexpert/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "logexpert",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	log := obs.Logger
	slog.SetDefault(log)
	log.Info("starting logexpert", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// --- Database ------------------------------------------------------------
	// db.New opens the connection, runs migrations (AutoMigrate for SQLite,
	// golang-migrate for Postgres), and returns the GORM handle plus an
	// optional pgxpool (non-nil only for postgres, used by River).
	gormDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	log.Info("database ready", "driver", cfg.DB.Driver)
	st := store.NewSQLStore(gormDB)

	// --- Seed admin ----------------------------------------------------------
	if err := seed.EnsureAdmin(ctx, gormDB, seed.AdminOptions{
		Email:    cfg.App.SeedAdminEmail,
		Password: cfg.App.SeedAdminPassword,
		Out:      os.Stdout,
	}, log); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// --- Notification sinks --------------------------------------------------
	sinks := []notify.Sink{notify.NewLogSink(log)}
	if cfg.Notify.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.SlackWebhookURL, &http.Client{Timeout: cfg.Incident.NotifyTimeout}))
	}
	if cfg.Notify.SMTP.Host != "" {
		email, err := notify.NewEmailSink(cfg.Notify.SMTP)
		if err != nil {
			return fmt.Errorf("email sink: %w", err)
		}
		sinks = append(sinks, email)
	}
	fanout := notify.NewFanout(sinks...)
	log.Info("notification sinks configured", "sinks", fanout.Sinks())

	// --- Worker queue --------------------------------------------------------
	// River migrations only run when Postgres is available.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	wq, err := worker.New(ctx, pool, cfg.DB.Driver, worker.Options{
		Concurrency:   cfg.Worker.Concurrency,
		Notifier:      fanout,
		NotifyTimeout: cfg.Incident.NotifyTimeout,
		Recorder:      st,
		Metrics:       obs.Metrics,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	// --- Domain services -----------------------------------------------------
	registry := realtime.NewRegistry(0, log)
	schedule := oncall.New(gormDB)

	incidents := incident.New(st, wq.Notifier(), log,
		incident.WithResolver(schedule),
		incident.WithPublisher(registry),
		incident.WithMetrics(obs.Metrics),
		incident.WithTimeouts(cfg.Incident.StoreTimeout, cfg.Incident.NotifyTimeout),
	)

	catalog := billing.NewCatalog(cfg.Billing)
	reconciler := billing.NewReconciler(st, catalog, cfg.Billing, log,
		billing.WithMetrics(obs.Metrics),
		billing.WithStoreTimeout(cfg.Incident.StoreTimeout),
	)
	if cfg.Billing.WebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET is not set; every billing webhook will be rejected")
	}

	// --- HTTP routes ---------------------------------------------------------
	tokens := auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.AccessTTL)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Handlers{
		Health: health.New(
			health.Check{Name: "database", Pinger: db.NewPinger(gormDB)},
			health.Check{Name: "queue", Pinger: wq},
		),
		Auth:      handler.NewAuthHandler(gormDB, tokens, cfg.JWT.RefreshTTL, log),
		Incidents: handler.NewIncidentHandler(incidents, log),
		OnCall:    handler.NewOnCallHandler(schedule, log),
		Billing:   handler.NewBillingHandler(reconciler, catalog, log),
		Realtime:  handler.NewRealtimeHandler(registry, log),
	}, tokens)
	mux.Handle("GET /metrics", obs.MetricsHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: realtime websocket connections are long-lived.
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}
