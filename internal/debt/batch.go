package debt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/debtledger/internal/jobs"
	"github.com/odyssey-erp/debtledger/internal/platform/events"
)

// Invalidator drops cached ledger reads once a batch completes.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// DiscoverActiveAccounts returns the sorted union of accounts with increases,
// payments or returns in year. Returns carry no account id, so their owners
// are resolved through the referenced orders.
func DiscoverActiveAccounts(ctx context.Context, idx ActivityIndex, year int) ([]AccountRef, error) {
	r := YearRange(year)
	seen := make(map[AccountRef]struct{})
	for _, kind := range []AccountType{AccountCustomer, AccountSupplier} {
		direct, err := idx.AccountsWithMovements(ctx, kind, r)
		if err != nil {
			return nil, fmt.Errorf("debt: discover %s movements: %w", kind, err)
		}
		refIDs, err := idx.ReturnReferences(ctx, kind, r)
		if err != nil {
			return nil, fmt.Errorf("debt: discover %s return references: %w", kind, err)
		}
		owners, err := idx.ReferenceOwners(ctx, kind, refIDs)
		if err != nil {
			return nil, fmt.Errorf("debt: resolve %s return owners: %w", kind, err)
		}
		for _, id := range append(direct, owners...) {
			seen[AccountRef{Type: kind, ID: id}] = struct{}{}
		}
	}
	out := make([]AccountRef, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// BatchRunner drives the synchronizer over every active account of a year.
type BatchRunner struct {
	index     ActivityIndex
	sync      *Synchronizer
	cache     Invalidator
	publisher events.Publisher
	metrics   *jobmetrics.Metrics
	workers   int
	logger    *slog.Logger
	now       func() time.Time
}

// BatchOptions configures optional collaborators of the runner.
type BatchOptions struct {
	Workers   int
	Cache     Invalidator
	Publisher events.Publisher
	Metrics   *jobmetrics.Metrics
}

// NewBatchRunner constructs a runner. Workers below one run sequentially.
func NewBatchRunner(index ActivityIndex, sync *Synchronizer, opts BatchOptions, logger *slog.Logger) *BatchRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	return &BatchRunner{
		index:     index,
		sync:      sync,
		cache:     opts.Cache,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		workers:   opts.Workers,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for elapsed time.
func (b *BatchRunner) WithClock(clock func() time.Time) {
	if clock != nil {
		b.now = clock
	}
}

type accountOutcome struct {
	done    bool
	skipped bool
	err     error
}

// Run syncs every active account of year. Per-account failures are collected
// into the summary. Only discovery failure or cancellation returns an error,
// and cancellation still returns the partial summary.
func (b *BatchRunner) Run(ctx context.Context, mode SyncMode, year int) (BatchSummary, error) {
	if _, err := ParseSyncMode(string(mode)); err != nil {
		return BatchSummary{}, err
	}
	if year <= 0 {
		return BatchSummary{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}
	start := b.now()
	summary := BatchSummary{RunID: uuid.NewString(), Mode: mode, Year: year, Failures: []AccountFailure{}}
	logger := b.logger.With(slog.String("run_id", summary.RunID), slog.String("mode", string(mode)), slog.Int("year", year))

	accounts, err := DiscoverActiveAccounts(ctx, b.index, year)
	if err != nil {
		return summary, err
	}
	summary.Discovered = len(accounts)
	logger.Info("debt batch started", slog.Int("accounts", len(accounts)), slog.Int("workers", b.workers))

	outcomes := make([]accountOutcome, len(accounts))
	group := new(errgroup.Group)
	group.SetLimit(b.workers)
	for i, ref := range accounts {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = b.syncOne(ctx, mode, ref, year)
			return nil
		})
	}
	_ = group.Wait()

	for i, outcome := range outcomes {
		if !outcome.done {
			continue
		}
		summary.Checked++
		ref := accounts[i]
		switch {
		case outcome.err == nil:
			summary.Success++
			b.metrics.AddAccountSync(string(mode), "success")
		case outcome.skipped:
			summary.Skipped++
			b.metrics.AddAccountSync(string(mode), "skipped")
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, AccountFailure{
				AccountType: ref.Type,
				AccountID:   ref.ID,
				Message:     outcome.err.Error(),
			})
			b.metrics.AddAccountSync(string(mode), "failure")
		}
	}
	summary.ElapsedMS = b.now().Sub(start).Milliseconds()

	ctxErr := ctx.Err()
	summary.Cancelled = ctxErr != nil
	finishCtx := ctx
	if ctxErr != nil {
		finishCtx = context.WithoutCancel(ctx)
	}
	if b.cache != nil {
		if err := b.cache.Bump(finishCtx); err != nil {
			logger.Warn("debt batch cache invalidation failed", slog.Any("error", err))
		}
	}
	if err := b.publisher.Publish(finishCtx, summary.RunID, BatchCompletedEvent(summary, b.now())); err != nil {
		logger.Warn("debt batch event publish failed", slog.Any("error", err))
	}

	logger.Info("debt batch finished",
		slog.Int("checked", summary.Checked),
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("elapsed_ms", summary.ElapsedMS),
		slog.Bool("cancelled", summary.Cancelled),
	)
	if ctxErr != nil {
		return summary, fmt.Errorf("debt: batch %s cancelled: %w", summary.RunID, ctxErr)
	}
	return summary, nil
}

func (b *BatchRunner) syncOne(ctx context.Context, mode SyncMode, ref AccountRef, year int) accountOutcome {
	in := InputFor(ref, year)
	var err error
	if mode == ModeFull {
		_, err = b.sync.SyncFull(ctx, in)
	} else {
		_, err = b.sync.SyncSnapshot(ctx, in)
	}
	if err == nil {
		return accountOutcome{done: true}
	}
	if errors.Is(err, ErrPeriodLocked) {
		b.logger.Info("debt batch skipped locked period",
			slog.String("account_type", string(ref.Type)),
			slog.Int64("account_id", ref.ID),
			slog.Int("year", year),
		)
		return accountOutcome{done: true, skipped: true, err: err}
	}
	b.logger.Error("debt batch account failed",
		slog.String("account_type", string(ref.Type)),
		slog.Int64("account_id", ref.ID),
		slog.Int("year", year),
		slog.Any("error", err),
	)
	return accountOutcome{done: true, err: err}
}
