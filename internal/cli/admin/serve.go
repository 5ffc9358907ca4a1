package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/lectern/internal/api/handlers"
	"github.com/cloo-solutions/lectern/internal/config"
	"github.com/cloo-solutions/lectern/internal/jobs"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/server"
	"github.com/cloo-solutions/lectern/internal/telemetry"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the lectern API server and the ingestion worker",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-worker", false, "Serve the API without processing ingestion jobs")
	cmd.Flags().String("migrations", defaultMigrationsSource, "Migration source URL")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithComponent("serve")

	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate(cfg.Environment),
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Warn("telemetry init failed, continuing without tracing", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	if noMigrate, _ := cmd.Flags().GetBool("no-migrate"); !noMigrate {
		source, _ := cmd.Flags().GetString("migrations")
		if err := runMigrations(cfg.DatabaseURL, source); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	c, err := buildComponents(ctx, cfg)
	defer c.Close()
	if err != nil {
		return err
	}

	var worker *jobs.Worker
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); !noWorker {
		processor := jobs.NewIngestionWorker(c.jobRepo, c.pipeline, jobs.IngestionWorkerConfig{
			Concurrency: cfg.IngestConcurrency,
			StaleAfter:  cfg.StaleJobAfter,
		})
		if err := processor.Recover(ctx); err != nil {
			log.Error("stale job recovery failed", "error", err)
		}
		worker = jobs.NewWorker(processor, cfg.IngestPollInterval)
		// shutdown lets the running batch finish
		go worker.Start(context.WithoutCancel(ctx))
		log.Info("ingestion worker started", "concurrency", cfg.IngestConcurrency)
	}

	checks := map[string]server.HealthCheck{
		"database": c.pool.Ping,
	}
	if c.redis != nil {
		checks["redis"] = c.redis.Ping
	}

	routerCfg := server.RouterConfig{
		DocumentHandler: handlers.NewDocumentHandler(c.documents),
		AnswerHandler:   handlers.NewAnswerHandler(c.answers),
		Metrics:         c.metrics,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		HealthChecks:    checks,
	}
	if cfg.MetricsEnabled {
		routerCfg.MetricsHandler = metrics.Handler(c.registry)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if worker != nil {
		worker.Stop()
	}

	log.Info("server exited")
	return nil
}

// sampleRate traces everything outside production.
func sampleRate(environment string) float64 {
	if environment == "production" {
		return 0.1
	}
	return 1.0
}
