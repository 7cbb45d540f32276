package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sagepath/sagepath/internal/app"
	"github.com/sagepath/sagepath/internal/finalize"
	finalizehttp "github.com/sagepath/sagepath/internal/finalize/http"
	"github.com/sagepath/sagepath/internal/ledger"
	ledgerhttp "github.com/sagepath/sagepath/internal/ledger/http"
	"github.com/sagepath/sagepath/internal/observability"
	"github.com/sagepath/sagepath/internal/plans"
	"github.com/sagepath/sagepath/internal/platform/cache"
	"github.com/sagepath/sagepath/internal/platform/db"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/signatures"
	signatureshttp "github.com/sagepath/sagepath/internal/signatures/http"
	"github.com/sagepath/sagepath/internal/versions"
	versionshttp "github.com/sagepath/sagepath/internal/versions/http"
	"github.com/sagepath/sagepath/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, latest-version cache disabled", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	planStore := plans.NewRepository(pool)

	versionRepo := versions.NewRepository(pool)
	versionCache := versions.NewCache(redisClient, cfg.LatestVersionCacheTTL)
	versionService := versions.NewService(versionRepo, versionCache, auditLogger, versions.ServiceConfig{ExportKeyPrefix: cfg.ExportKeyPrefix})
	versionHandler := versionshttp.NewHandler(logger, versionService)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, planStore, planStore, auditLogger, ledger.ServiceConfig{DecisionPlanTypes: cfg.DecisionPlanTypes})
	ledgerHandler := ledgerhttp.NewHandler(logger, ledgerService)

	signatureRepo := signatures.NewRepository(pool)
	signatureService := signatures.NewService(signatureRepo, auditLogger)
	signatureHandler := signatureshttp.NewHandler(logger, signatureService, metrics)

	finalizeRepo := finalize.NewRepository(pool)
	finalizeService := finalize.NewService(finalizeRepo, planStore, planStore, ledgerService, versionCache, auditLogger, idempotencyStore)
	finalizeHandler := finalizehttp.NewHandler(logger, finalizeService, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		FinalizeHandler:  finalizeHandler,
		VersionHandler:   versionHandler,
		LedgerHandler:    ledgerHandler,
		SignatureHandler: signatureHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
