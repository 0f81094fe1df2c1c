package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/debtledger/internal/debt"
	jobmetrics "github.com/odyssey-erp/debtledger/internal/jobs"
)

const (
	// TaskDebtSyncAll schedules a batch resync of every active ledger account.
	TaskDebtSyncAll = "debt:sync_all"
)

// DebtSyncPayload selects the batch mode and year. A zero year means the
// current calendar year at execution time.
type DebtSyncPayload struct {
	Mode string `json:"mode"`
	Year int    `json:"year,omitempty"`
}

// DebtBatchService runs ledger batches.
type DebtBatchService interface {
	RunBatch(ctx context.Context, mode debt.SyncMode, year int) (debt.BatchSummary, error)
}

// DebtSyncJob runs the ledger batch from the queue.
type DebtSyncJob struct {
	Service DebtBatchService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDebtSyncJob constructs the job handler.
func NewDebtSyncJob(service DebtBatchService, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtSyncJob {
	return &DebtSyncJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewDebtSyncTask creates an Asynq task for a ledger batch.
func NewDebtSyncTask(mode string, year int) (*asynq.Task, error) {
	if mode == "" {
		mode = string(debt.ModeSnapshot)
	}
	body, err := json.Marshal(DebtSyncPayload{Mode: mode, Year: year})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDebtSyncAll, body, asynq.Queue(QueueDefault), asynq.Unique(time.Hour)), nil
}

// Handle executes the batch. Per-account failures are reported in the summary
// and do not fail the task.
func (j *DebtSyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("debt sync: dependencies not configured")
	}
	var payload DebtSyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	mode, err := debt.ParseSyncMode(payload.Mode)
	if err != nil {
		j.log().Error("invalid payload", slog.String("mode", payload.Mode), slog.Any("error", err))
		return asynq.SkipRetry
	}
	if payload.Year < 0 {
		return asynq.SkipRetry
	}
	year := payload.Year
	if year == 0 {
		year = j.now().Year()
	}

	tracker := j.metrics().Track(TaskDebtSyncAll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.String("mode", string(mode)), slog.Int("year", year))
	summary, err := j.Service.RunBatch(ctx, mode, year)
	if err != nil {
		resultErr = err
		logger.Error("debt batch failed",
			slog.String("run_id", summary.RunID),
			slog.Int("checked", summary.Checked),
			slog.Bool("cancelled", summary.Cancelled),
			slog.Any("error", err),
		)
		return resultErr
	}
	logger.Info("debt batch completed",
		slog.String("run_id", summary.RunID),
		slog.Int("discovered", summary.Discovered),
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("elapsed_ms", summary.ElapsedMS),
	)
	return resultErr
}

func (j *DebtSyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DebtSyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDebtSyncAll))
	}
	return slog.Default().With(slog.String("job", TaskDebtSyncAll))
}

func (j *DebtSyncJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *DebtSyncJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
