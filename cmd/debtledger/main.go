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

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/debtledger/cmd/debtledger/cli"
	"github.com/odyssey-erp/debtledger/internal/app"
	"github.com/odyssey-erp/debtledger/internal/debt"
	"github.com/odyssey-erp/debtledger/internal/observability"
	"github.com/odyssey-erp/debtledger/internal/platform/cache"
	"github.com/odyssey-erp/debtledger/internal/platform/db"
	"github.com/odyssey-erp/debtledger/internal/platform/events"
	"github.com/odyssey-erp/debtledger/internal/shared"
	"github.com/odyssey-erp/debtledger/jobs"
	"github.com/odyssey-erp/debtledger/migrations"
)

const usage = `usage: debtledger <command>

commands:
  serve                               run the HTTP API (default)
  migrate up|down                     apply or roll back one schema migration
  jobs trigger <task> [-mode m] [-year y]
                                      enqueue debt:sync_all or debt:audit
  jobs stats                          print default queue statistics
`

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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = runMigrate(cfg, logger, args)
	case "jobs":
		os.Exit(cli.RunJobs(ctx, cfg.RedisAddr, args, os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func runMigrate(cfg *app.Config, logger *slog.Logger, args []string) error {
	direction := db.MigrateUp
	if len(args) > 0 {
		direction = db.MigrateDirection(args[0])
	}
	changed, err := db.Migrate(migrations.Files, cfg.PGDSN, direction)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", slog.String("direction", string(direction)), slog.Bool("changed", changed))
	return nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledgerCache, redisClient := openCache(ctx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := ledgerCache.ListenForInvalidation(ctx); err != nil {
			logger.Warn("cache invalidation listener", slog.Any("error", err))
		}
	}

	publisher, closePublisher := openPublisher(cfg, logger)
	defer closePublisher()

	metrics := observability.NewMetrics()
	service := newLedgerService(pool, cfg, ledgerCache, publisher, metrics, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		DebtHandler: debt.NewHandler(logger, service, jobsClient),
		JobHandler:  jobs.NewHandler(inspector, logger),
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openCache returns a nil cache when redis is unreachable; reads then go
// straight to Postgres.
func openCache(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*debt.Cache, *redis.Client) {
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, ledger cache disabled", slog.Any("error", err))
		return nil, nil
	}
	return debt.NewCache(client, cfg.LedgerCacheTTL), client
}

func openPublisher(cfg *app.Config, logger *slog.Logger) (events.Publisher, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Noop{}, func() {}
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Warn("kafka publisher disabled", slog.Any("error", err))
		return events.Noop{}, func() {}
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka close", slog.Any("error", err))
		}
	}
}

func newLedgerService(pool *pgxpool.Pool, cfg *app.Config, ledgerCache *debt.Cache, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger) *debt.Service {
	return debt.NewService(debt.NewRepository(pool), debt.ServiceOptions{
		Policy:    cfg.LedgerPolicy(),
		Sync:      cfg.LedgerSyncOptions(),
		Workers:   cfg.LedgerBatchWorkers,
		Cache:     ledgerCache,
		Publisher: publisher,
		Activity:  shared.NewAuditLogger(pool),
		Metrics:   metrics.Jobs(),
	}, logger)
}
