package debt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultFullSyncTimeout = 2 * time.Minute
	defaultSnapshotTimeout = 15 * time.Second
)

// fallbackNote marks periods whose opening balance came from the aggregate
// fallback instead of a prior period.
const fallbackNote = "[auto] opening balance estimated from full-history aggregate; no prior period found"

// SyncOptions tunes the per-mode transaction budgets.
type SyncOptions struct {
	FullTimeout     time.Duration
	SnapshotTimeout time.Duration
}

// Synchronizer recomputes one account's periods inside one transaction. It is
// the only writer of LedgerMaster.CurrentBalance.
type Synchronizer struct {
	store           Store
	policy          Policy
	fullTimeout     time.Duration
	snapshotTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewSynchronizer wires a synchronizer over store.
func NewSynchronizer(store Store, policy Policy, opts SyncOptions, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FullTimeout <= 0 {
		opts.FullTimeout = defaultFullSyncTimeout
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = defaultSnapshotTimeout
	}
	return &Synchronizer{
		store:           store,
		policy:          policy,
		fullTimeout:     opts.FullTimeout,
		snapshotTimeout: opts.SnapshotTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// WithClock overrides the clock used to resolve the current year.
func (s *Synchronizer) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Policy exposes the rounding policy in use.
func (s *Synchronizer) Policy() Policy {
	return s.policy
}

// SyncFull recomputes every year from the account's first activity through
// in.Year, carrying each closing balance into the next opening balance.
func (s *Synchronizer) SyncFull(ctx context.Context, in SyncInput) (FullSyncResult, error) {
	ref, err := in.Account()
	if err != nil {
		return FullSyncResult{}, err
	}
	if in.Year <= 0 {
		return FullSyncResult{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, s.fullTimeout)
	defer cancel()

	var result FullSyncResult
	err = s.store.WithAccountTx(ctx, ref, func(ctx context.Context, tx Tx) error {
		if err := s.prepareAccount(ctx, tx, ref, in.AssignedUserID); err != nil {
			return err
		}
		firstYear := in.Year
		earliest, ok, err := tx.EarliestActivity(ctx, ref)
		if err != nil {
			return fmt.Errorf("debt: earliest activity %s: %w", ref, err)
		}
		if ok && earliest.Year() < firstYear {
			firstYear = earliest.Year()
		}
		opening, err := historicalOpening(ctx, tx, ref, firstYear, true)
		if err != nil {
			return err
		}

		now := s.now()
		result = FullSyncResult{Account: ref, FromYear: firstYear, ToYear: in.Year}
		balance := opening
		for year := firstYear; year <= in.Year; year++ {
			step, err := s.foldYear(ctx, tx, ref, year, balance, in, now)
			if err != nil {
				return err
			}
			result.Years = append(result.Years, step)
			balance = step.ClosingBalance
		}
		result.FinalBalance = balance
		return nil
	})
	if err != nil {
		return FullSyncResult{}, err
	}
	return result, nil
}

// foldYear computes and stores one year given the carried opening balance.
// Locked periods are left untouched and their stored closing is carried; a
// manual adjustment or note aimed at a locked target year is rejected.
func (s *Synchronizer) foldYear(ctx context.Context, tx Tx, ref AccountRef, year int, opening decimal.Decimal, in SyncInput, now time.Time) (YearResult, error) {
	existing, found, err := tx.GetPeriod(ctx, ref, year)
	if err != nil {
		return YearResult{}, fmt.Errorf("debt: load period %s/%d: %w", ref, year, err)
	}
	if found && existing.IsLocked {
		if year == in.Year && (in.Adjustment != nil || in.Notes != nil) {
			return YearResult{}, fmt.Errorf("%w: %s/%d", ErrPeriodLocked, ref, year)
		}
		if year == now.Year() {
			if err := tx.SetCurrentBalance(ctx, ref, existing.ClosingBalance, now); err != nil {
				return YearResult{}, fmt.Errorf("debt: update balance %s: %w", ref, err)
			}
		}
		return YearResult{
			Year:           year,
			OpeningBalance: existing.OpeningBalance,
			ClosingBalance: existing.ClosingBalance,
			Locked:         true,
		}, nil
	}

	amounts, err := periodMovements(ctx, tx, ref, year)
	if err != nil {
		return YearResult{}, err
	}
	notes := dropNote(existing.Notes, fallbackNote)
	if found {
		amounts.Adjustment = existing.AdjustmentAmount
	}
	if year == in.Year {
		if in.Adjustment != nil {
			amounts.Adjustment = *in.Adjustment
		}
		if in.Notes != nil {
			notes = *in.Notes
		}
	}

	saved, err := tx.UpsertPeriod(ctx, buildPeriod(ref, year, opening, amounts, notes, now))
	if err != nil {
		return YearResult{}, fmt.Errorf("debt: upsert period %s/%d: %w", ref, year, err)
	}
	if year == now.Year() {
		if err := tx.SetCurrentBalance(ctx, ref, saved.ClosingBalance, now); err != nil {
			return YearResult{}, fmt.Errorf("debt: update balance %s: %w", ref, err)
		}
	}
	return YearResult{Year: year, OpeningBalance: saved.OpeningBalance, ClosingBalance: saved.ClosingBalance}, nil
}

// SyncSnapshot recomputes a single year, carrying the prior period's closing
// balance or falling back to a full-history aggregate when none exists.
func (s *Synchronizer) SyncSnapshot(ctx context.Context, in SyncInput) (SnapshotResult, error) {
	ref, err := in.Account()
	if err != nil {
		return SnapshotResult{}, err
	}
	year := in.Year
	if year == 0 {
		year = s.now().Year()
	}
	if year < 0 {
		return SnapshotResult{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, s.snapshotTimeout)
	defer cancel()

	var result SnapshotResult
	err = s.store.WithAccountTx(ctx, ref, func(ctx context.Context, tx Tx) error {
		if err := s.prepareAccount(ctx, tx, ref, in.AssignedUserID); err != nil {
			return err
		}
		current, found, err := tx.GetPeriod(ctx, ref, year)
		if err != nil {
			return fmt.Errorf("debt: load period %s/%d: %w", ref, year, err)
		}
		if found && current.IsLocked {
			return fmt.Errorf("%w: %s/%d", ErrPeriodLocked, ref, year)
		}

		prior, hasPrior, err := tx.GetPeriod(ctx, ref, year-1)
		if err != nil {
			return fmt.Errorf("debt: load period %s/%d: %w", ref, year-1, err)
		}
		method := MethodSnapshot
		opening := prior.ClosingBalance
		if !hasPrior {
			method = MethodAggregateFallback
			opening, err = historicalOpening(ctx, tx, ref, year, s.policy.FallbackIncludeReturns)
			if err != nil {
				return err
			}
		}

		amounts, err := periodMovements(ctx, tx, ref, year)
		if err != nil {
			return err
		}
		notes := current.Notes
		if found {
			amounts.Adjustment = current.AdjustmentAmount
		}
		if in.Adjustment != nil {
			amounts.Adjustment = *in.Adjustment
		}
		if in.Notes != nil {
			notes = *in.Notes
		}
		if method == MethodSnapshot {
			notes = dropNote(notes, fallbackNote)
		} else {
			notes = appendNote(notes, fallbackNote)
			s.logger.Warn("debt snapshot used aggregate fallback",
				slog.String("account_type", string(ref.Type)),
				slog.Int64("account_id", ref.ID),
				slog.Int("year", year),
				slog.Bool("includes_returns", s.policy.FallbackIncludeReturns),
			)
		}

		now := s.now()
		saved, err := tx.UpsertPeriod(ctx, buildPeriod(ref, year, opening, amounts, notes, now))
		if err != nil {
			return fmt.Errorf("debt: upsert period %s/%d: %w", ref, year, err)
		}
		if year >= now.Year() {
			if err := tx.SetCurrentBalance(ctx, ref, saved.ClosingBalance, now); err != nil {
				return fmt.Errorf("debt: update balance %s: %w", ref, err)
			}
		}
		result = SnapshotResult{Period: saved, Status: s.policy.Status(saved.ClosingBalance), Method: method}
		return nil
	})
	if err != nil {
		return SnapshotResult{}, err
	}
	return result, nil
}

// prepareAccount checks the account exists and creates its master lazily.
func (s *Synchronizer) prepareAccount(ctx context.Context, tx Tx, ref AccountRef, assignedUserID *int64) error {
	ok, err := tx.AccountExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("debt: lookup account %s: %w", ref, err)
	}
	if !ok {
		return fmt.Errorf("debt: account %s: %w", ref, ErrNotFound)
	}
	if err := tx.EnsureMaster(ctx, ref, assignedUserID); err != nil {
		return fmt.Errorf("debt: ensure ledger %s: %w", ref, err)
	}
	return nil
}

// periodMovements aggregates one calendar year. Returns are matched against
// orders placed before the year ends and dated inside the year.
func periodMovements(ctx context.Context, m Movements, ref AccountRef, year int) (Amounts, error) {
	r := YearRange(year)
	increase, err := m.SumIncrease(ctx, ref, r)
	if err != nil {
		return Amounts{}, fmt.Errorf("debt: increase %s/%d: %w", ref, year, err)
	}
	payment, err := m.SumPayments(ctx, ref, r)
	if err != nil {
		return Amounts{}, fmt.Errorf("debt: payments %s/%d: %w", ref, year, err)
	}
	returns, err := sumReturns(ctx, m, ref, DateRange{To: r.To}, r)
	if err != nil {
		return Amounts{}, fmt.Errorf("debt: returns %s/%d: %w", ref, year, err)
	}
	return Amounts{Increase: increase, Payment: payment, Return: returns}, nil
}

// historicalOpening aggregates everything strictly before 1 January of year,
// minus manual adjustments stored on earlier periods.
func historicalOpening(ctx context.Context, tx Tx, ref AccountRef, year int, includeReturns bool) (decimal.Decimal, error) {
	cutoff := Before(year)
	increase, err := tx.SumIncrease(ctx, ref, cutoff)
	if err != nil {
		return decimal.Zero, fmt.Errorf("debt: historical increase %s: %w", ref, err)
	}
	payment, err := tx.SumPayments(ctx, ref, cutoff)
	if err != nil {
		return decimal.Zero, fmt.Errorf("debt: historical payments %s: %w", ref, err)
	}
	returns := decimal.Zero
	if includeReturns {
		returns, err = sumReturns(ctx, tx, ref, cutoff, cutoff)
		if err != nil {
			return decimal.Zero, fmt.Errorf("debt: historical returns %s: %w", ref, err)
		}
	}
	adjustments, err := tx.SumAdjustmentsBefore(ctx, ref, year)
	if err != nil {
		return decimal.Zero, fmt.Errorf("debt: historical adjustments %s: %w", ref, err)
	}
	return ClosingBalance(decimal.Zero, Amounts{
		Increase:   increase,
		Payment:    payment,
		Return:     returns,
		Adjustment: adjustments,
	}), nil
}

// sumReturns resolves the account's order references inside orders, then sums
// returns against them dated inside window.
func sumReturns(ctx context.Context, m Movements, ref AccountRef, orders, window DateRange) (decimal.Decimal, error) {
	refIDs, err := m.OrderReferences(ctx, ref, orders)
	if err != nil {
		return decimal.Zero, err
	}
	return m.SumReturns(ctx, ref.Type, refIDs, window)
}

func buildPeriod(ref AccountRef, year int, opening decimal.Decimal, a Amounts, notes string, now time.Time) Period {
	return Period{
		Account:          ref,
		Year:             year,
		OpeningBalance:   opening,
		IncreaseAmount:   a.Increase,
		PaymentAmount:    a.Payment,
		ReturnAmount:     a.Return,
		AdjustmentAmount: a.Adjustment,
		ClosingBalance:   ClosingBalance(opening, a),
		Notes:            notes,
		UpdatedAt:        now,
	}
}

func appendNote(notes, note string) string {
	if strings.Contains(notes, note) {
		return notes
	}
	if strings.TrimSpace(notes) == "" {
		return note
	}
	return notes + "\n" + note
}

func dropNote(notes, note string) string {
	if !strings.Contains(notes, note) {
		return notes
	}
	return strings.TrimSpace(strings.ReplaceAll(notes, note, ""))
}
