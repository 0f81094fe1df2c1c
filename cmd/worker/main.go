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

	"github.com/odyssey-erp/debtledger/internal/app"
	"github.com/odyssey-erp/debtledger/internal/debt"
	"github.com/odyssey-erp/debtledger/internal/observability"
	"github.com/odyssey-erp/debtledger/internal/platform/cache"
	"github.com/odyssey-erp/debtledger/internal/platform/db"
	"github.com/odyssey-erp/debtledger/internal/platform/events"
	"github.com/odyssey-erp/debtledger/internal/shared"
	"github.com/odyssey-erp/debtledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var ledgerCache *debt.Cache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		ledgerCache = debt.NewCache(redisClient, cfg.LedgerCacheTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Warn("kafka publisher disabled", slog.Any("error", err))
		} else {
			publisher = kafkaPublisher
			defer func() {
				if err := kafkaPublisher.Close(); err != nil {
					logger.Warn("kafka close", slog.Any("error", err))
				}
			}()
		}
	}

	metrics := observability.NewMetrics()
	ledgerService := debt.NewService(debt.NewRepository(pool), debt.ServiceOptions{
		Policy:    cfg.LedgerPolicy(),
		Sync:      cfg.LedgerSyncOptions(),
		Workers:   cfg.LedgerBatchWorkers,
		Cache:     ledgerCache,
		Publisher: publisher,
		Activity:  shared.NewAuditLogger(pool),
		Metrics:   metrics.Jobs(),
	}, logger)

	syncJob := jobs.NewDebtSyncJob(ledgerService, logger, metrics.Jobs())
	auditJob := jobs.NewDebtAuditJob(ledgerService, logger, metrics.Jobs())

	syncTask, err := jobs.NewDebtSyncTask(string(debt.ModeSnapshot), 0)
	if err != nil {
		logger.Error("build debt sync task", slog.Any("error", err))
		os.Exit(1)
	}
	auditTask, err := jobs.NewDebtAuditTask(0)
	if err != nil {
		logger.Error("build debt audit task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: 2,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDebtSyncAll, Handler: syncJob.Handle},
			{Type: jobs.TaskDebtAudit, Handler: auditJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LedgerSyncCron, Task: syncTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LedgerAuditCron, Task: auditTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// The worker has no API; it only exposes its own metrics.
	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker started",
		slog.String("sync_cron", cfg.LedgerSyncCron),
		slog.String("audit_cron", cfg.LedgerAuditCron),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
