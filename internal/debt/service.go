package debt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/debtledger/internal/jobs"
	"github.com/odyssey-erp/debtledger/internal/platform/events"
	"github.com/odyssey-erp/debtledger/internal/shared"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ServiceOptions wires the optional collaborators of the service.
type ServiceOptions struct {
	Policy    Policy
	Sync      SyncOptions
	Workers   int
	Cache     *Cache
	Publisher events.Publisher
	Activity  ActivityRecorder
	Metrics   *jobmetrics.Metrics
}

// Service is the entry point for ledger synchronisation, audit and reads.
type Service struct {
	repo      RepositoryPort
	sync      *Synchronizer
	batch     *BatchRunner
	auditor   *Auditor
	cache     *Cache
	publisher events.Publisher
	activity  ActivityRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, opts ServiceOptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	sync := NewSynchronizer(repo, opts.Policy, opts.Sync, logger)
	batch := NewBatchRunner(repo, sync, BatchOptions{
		Workers:   opts.Workers,
		Cache:     opts.Cache,
		Publisher: opts.Publisher,
		Metrics:   opts.Metrics,
	}, logger)
	return &Service{
		repo:      repo,
		sync:      sync,
		batch:     batch,
		auditor:   NewAuditor(repo, opts.Policy, opts.Metrics, logger),
		cache:     opts.Cache,
		publisher: opts.Publisher,
		activity:  opts.Activity,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock of the service and its components.
func (s *Service) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	s.now = clock
	s.sync.WithClock(clock)
	s.batch.WithClock(clock)
}

// SyncAccountFull recomputes one account from its first activity year.
func (s *Service) SyncAccountFull(ctx context.Context, in SyncInput) (FullSyncResult, error) {
	result, err := s.sync.SyncFull(ctx, in)
	if err != nil {
		return FullSyncResult{}, err
	}
	s.afterAccountSync(ctx, in.ActorID, "debt.sync_full", PeriodSynced{
		Account:        result.Account,
		Mode:           ModeFull,
		Method:         MethodFull,
		FromYear:       result.FromYear,
		ToYear:         result.ToYear,
		ClosingBalance: result.FinalBalance,
	})
	return result, nil
}

// SyncAccountSnapshot recomputes a single year of one account.
func (s *Service) SyncAccountSnapshot(ctx context.Context, in SyncInput) (SnapshotResult, error) {
	result, err := s.sync.SyncSnapshot(ctx, in)
	if err != nil {
		return SnapshotResult{}, err
	}
	s.afterAccountSync(ctx, in.ActorID, "debt.sync_snapshot", PeriodSynced{
		Account:        result.Period.Account,
		Mode:           ModeSnapshot,
		Method:         result.Method,
		FromYear:       result.Period.Year,
		ToYear:         result.Period.Year,
		ClosingBalance: result.Period.ClosingBalance,
	})
	return result, nil
}

// SyncAllFull runs a full resync over every active account of year.
func (s *Service) SyncAllFull(ctx context.Context, year int) (BatchSummary, error) {
	return s.RunBatch(ctx, ModeFull, year)
}

// SyncAllSnapshot runs a snapshot resync over every active account of year.
func (s *Service) SyncAllSnapshot(ctx context.Context, year int) (BatchSummary, error) {
	return s.RunBatch(ctx, ModeSnapshot, year)
}

// RunBatch runs the batch for mode and records the run in the activity log.
func (s *Service) RunBatch(ctx context.Context, mode SyncMode, year int) (BatchSummary, error) {
	summary, err := s.batch.Run(ctx, mode, year)
	if summary.RunID != "" {
		s.recordActivity(ctx, shared.AuditLog{
			Action:   "debt.batch_" + string(mode),
			Entity:   "debt_batch",
			EntityID: summary.RunID,
			Meta: map[string]any{
				"year":      year,
				"checked":   summary.Checked,
				"success":   summary.Success,
				"failed":    summary.Failed,
				"skipped":   summary.Skipped,
				"cancelled": summary.Cancelled,
			},
		})
	}
	return summary, err
}

// AuditYear produces the integrity report for year.
func (s *Service) AuditYear(ctx context.Context, year int) (AuditReport, error) {
	return s.auditor.AuditYear(ctx, year)
}

// GetLedger returns the cached ledger master of one account.
func (s *Service) GetLedger(ctx context.Context, ref AccountRef) (LedgerMaster, error) {
	if err := ref.Validate(); err != nil {
		return LedgerMaster{}, err
	}
	key, err := s.cache.BuildKey(ctx, keyMaster(ref)...)
	if err != nil {
		return LedgerMaster{}, err
	}
	var master LedgerMaster
	err = s.cache.FetchJSON(ctx, key, &master, func(ctx context.Context) (any, error) {
		return s.repo.GetMaster(ctx, ref)
	})
	return master, err
}

// ListLedgers pages ledger masters.
func (s *Service) ListLedgers(ctx context.Context, filter ListFilter) ([]LedgerMaster, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown account type %q", ErrValidation, filter.Type)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	key, err := s.cache.BuildKey(ctx, keyMasterList(filter)...)
	if err != nil {
		return nil, err
	}
	masters := []LedgerMaster{}
	err = s.cache.FetchJSON(ctx, key, &masters, func(ctx context.Context) (any, error) {
		return s.repo.ListMasters(ctx, filter)
	})
	if masters == nil {
		masters = []LedgerMaster{}
	}
	return masters, err
}

// ListPeriods returns the cached period history of one account.
func (s *Service) ListPeriods(ctx context.Context, ref AccountRef) ([]Period, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	key, err := s.cache.BuildKey(ctx, keyPeriods(ref)...)
	if err != nil {
		return nil, err
	}
	periods := []Period{}
	err = s.cache.FetchJSON(ctx, key, &periods, func(ctx context.Context) (any, error) {
		return s.repo.ListPeriods(ctx, ref)
	})
	if periods == nil {
		periods = []Period{}
	}
	return periods, err
}

// SetPeriodLock locks or unlocks one period. Locked periods are skipped by
// automated resync.
func (s *Service) SetPeriodLock(ctx context.Context, ref AccountRef, year int, locked bool, actorID int64) (Period, error) {
	if err := ref.Validate(); err != nil {
		return Period{}, err
	}
	if year <= 0 {
		return Period{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}
	period, err := s.repo.SetPeriodLock(ctx, ref, year, locked)
	if err != nil {
		return Period{}, err
	}
	s.invalidate(ctx, ref)
	action := "debt.period_unlock"
	if locked {
		action = "debt.period_lock"
	}
	s.recordActivity(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "debt_period",
		EntityID: periodEntityID(ref, year),
	})
	return period, nil
}

// AdjustmentInput is a manual adjustment entry.
type AdjustmentInput struct {
	Account AccountRef
	Year    int
	Amount  decimal.Decimal
	Notes   *string
	ActorID int64
}

// RecordAdjustment stores a manual adjustment and resyncs that year so the
// period stays arithmetically consistent.
func (s *Service) RecordAdjustment(ctx context.Context, in AdjustmentInput) (SnapshotResult, error) {
	if err := in.Account.Validate(); err != nil {
		return SnapshotResult{}, err
	}
	if in.Year <= 0 {
		return SnapshotResult{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}
	sync := InputFor(in.Account, in.Year)
	amount := in.Amount
	sync.Adjustment = &amount
	sync.Notes = in.Notes
	result, err := s.sync.SyncSnapshot(ctx, sync)
	if err != nil {
		return SnapshotResult{}, err
	}
	s.invalidate(ctx, in.Account)
	s.recordActivity(ctx, shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "debt.adjustment",
		Entity:   "debt_period",
		EntityID: periodEntityID(in.Account, in.Year),
		Meta:     map[string]any{"amount": in.Amount.String()},
	})
	s.publish(ctx, in.Account, PeriodSynced{
		Account:        in.Account,
		Mode:           ModeSnapshot,
		Method:         result.Method,
		FromYear:       in.Year,
		ToYear:         in.Year,
		ClosingBalance: result.Period.ClosingBalance,
	})
	return result, nil
}

func (s *Service) afterAccountSync(ctx context.Context, actorID int64, action string, payload PeriodSynced) {
	s.invalidate(ctx, payload.Account)
	s.recordActivity(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "debt_ledger",
		EntityID: payload.Account.String(),
		Meta: map[string]any{
			"from_year":       payload.FromYear,
			"to_year":         payload.ToYear,
			"method":          string(payload.Method),
			"closing_balance": payload.ClosingBalance.String(),
		},
	})
	s.publish(ctx, payload.Account, payload)
}

func (s *Service) invalidate(ctx context.Context, ref AccountRef) {
	if err := s.cache.InvalidateAccount(ctx, ref); err != nil {
		s.logger.Warn("debt cache invalidation failed",
			slog.String("account_type", string(ref.Type)),
			slog.Int64("account_id", ref.ID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) publish(ctx context.Context, ref AccountRef, payload PeriodSynced) {
	if err := s.publisher.Publish(ctx, ref.String(), PeriodSyncedEvent(payload, s.now())); err != nil {
		s.logger.Warn("debt event publish failed", slog.String("account", ref.String()), slog.Any("error", err))
	}
}

// recordActivity appends to the activity log. Failures are logged only.
func (s *Service) recordActivity(ctx context.Context, entry shared.AuditLog) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("debt activity log failed", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func periodEntityID(ref AccountRef, year int) string {
	return ref.String() + "/" + strconv.Itoa(year)
}
