package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	audithttp "github.com/odyssey-erp/odyssey-ledger/internal/audit/http"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	services, err := app.NewServices(ctx, cfg, logger, app.ServiceOptions{})
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}
	defer services.Close()

	if cfg.ReportBumpSource != "" {
		source, err := cache.New(ctx, cfg.ReportBumpSource)
		if err != nil {
			logger.Error("connect bump source", slog.Any("error", err))
			os.Exit(1)
		}
		defer source.Close()
		err = services.Cache.ListenForInvalidation(ctx, source, func(tenantID string, version int64) {
			logger.Debug("report cache bumped", slog.String("tenant_id", tenantID), slog.Int64("version", version))
		})
		if err != nil {
			logger.Warn("report cache invalidation listener", slog.Any("error", err))
		}
	}

	if services.AuditFailures != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case failure := <-services.AuditFailures.C():
					logger.Error("audit record lost",
						slog.String("tenant_id", failure.Log.TenantID),
						slog.String("action", failure.Log.Action),
						slog.String("entity_id", failure.Log.EntityID),
						slog.Any("error", failure.Err))
				}
			}
		}()
	}

	inspector := asynq.NewInspector(services.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      services.Metrics,
		Ready:        services.Ready,
		JobHandler:   jobs.NewHandler(inspector, logger),
		AuditHandler: audithttp.NewHandler(logger, services.Audit),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting ops server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
