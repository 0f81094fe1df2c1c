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

// TaskDebtAudit schedules the ledger integrity audit.
const TaskDebtAudit = "debt:audit"

// DebtAuditPayload selects the audited year; zero means the current year.
type DebtAuditPayload struct {
	Year int `json:"year,omitempty"`
}

// DebtAuditor produces integrity reports.
type DebtAuditor interface {
	AuditYear(ctx context.Context, year int) (debt.AuditReport, error)
}

// DebtAuditJob runs the integrity audit and reports every finding as a warning.
type DebtAuditJob struct {
	Auditor DebtAuditor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDebtAuditJob constructs the audit handler.
func NewDebtAuditJob(auditor DebtAuditor, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtAuditJob {
	return &DebtAuditJob{
		Auditor: auditor,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewDebtAuditTask creates an Asynq task for the integrity audit.
func NewDebtAuditTask(year int) (*asynq.Task, error) {
	body, err := json.Marshal(DebtAuditPayload{Year: year})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDebtAudit, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the audit.
func (j *DebtAuditJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Auditor == nil {
		return errors.New("debt audit: dependencies not configured")
	}
	var payload DebtAuditPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Year < 0 {
		return asynq.SkipRetry
	}
	year := payload.Year
	if year == 0 {
		year = j.now().Year()
	}

	tracker := j.metrics().Track(TaskDebtAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.Int("year", year))
	report, err := j.Auditor.AuditYear(ctx, year)
	if err != nil {
		resultErr = err
		logger.Error("debt audit failed", slog.Any("error", err))
		return resultErr
	}
	for _, d := range report.Discrepancies {
		logger.Warn("debt ledger discrepancy",
			slog.String("type", string(d.Type)),
			slog.String("severity", string(d.Severity)),
			slog.String("account_type", string(d.Account.Type)),
			slog.Int64("account_id", d.Account.ID),
			slog.String("detail", d.Detail),
		)
	}
	logger.Info("debt audit completed",
		slog.Int("checked", report.Checked),
		slog.Int("discrepancies", report.DiscrepancyCount),
	)
	return resultErr
}

func (j *DebtAuditJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DebtAuditJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDebtAudit))
	}
	return slog.Default().With(slog.String("job", TaskDebtAudit))
}

func (j *DebtAuditJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *DebtAuditJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
