package debt

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/debtledger/internal/shared"
)

// Movements reads the four transaction families of one account. Returns are
// resolved in two phases: order references first, then return sums over them.
type Movements interface {
	EarliestActivity(ctx context.Context, ref AccountRef) (time.Time, bool, error)
	SumIncrease(ctx context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error)
	SumPayments(ctx context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error)
	OrderReferences(ctx context.Context, ref AccountRef, r DateRange) ([]int64, error)
	SumReturns(ctx context.Context, kind AccountType, refIDs []int64, r DateRange) (decimal.Decimal, error)
}

// Tx is the per-account unit of work used by the synchronizer.
type Tx interface {
	Movements
	AccountExists(ctx context.Context, ref AccountRef) (bool, error)
	GetPeriod(ctx context.Context, ref AccountRef, year int) (Period, bool, error)
	SumAdjustmentsBefore(ctx context.Context, ref AccountRef, year int) (decimal.Decimal, error)
	UpsertPeriod(ctx context.Context, p Period) (Period, error)
	EnsureMaster(ctx context.Context, ref AccountRef, assignedUserID *int64) error
	SetCurrentBalance(ctx context.Context, ref AccountRef, balance decimal.Decimal, at time.Time) error
}

// Store opens account-scoped transactions. Implementations serialise
// concurrent calls for the same account.
type Store interface {
	WithAccountTx(ctx context.Context, ref AccountRef, fn func(context.Context, Tx) error) error
}

// ActivityIndex answers the active-account discovery queries.
type ActivityIndex interface {
	AccountsWithMovements(ctx context.Context, kind AccountType, r DateRange) ([]int64, error)
	ReturnReferences(ctx context.Context, kind AccountType, r DateRange) ([]int64, error)
	ReferenceOwners(ctx context.Context, kind AccountType, refIDs []int64) ([]int64, error)
}

// PeriodReader loads period rows for the auditor.
type PeriodReader interface {
	ListPeriodRows(ctx context.Context, years ...int) ([]PeriodRow, error)
}

// ListFilter pages the ledger master list.
type ListFilter struct {
	Type   AccountType
	Limit  int
	Offset int
}

// LedgerReader serves read screens and manual lock management.
type LedgerReader interface {
	GetMaster(ctx context.Context, ref AccountRef) (LedgerMaster, error)
	ListMasters(ctx context.Context, filter ListFilter) ([]LedgerMaster, error)
	ListPeriods(ctx context.Context, ref AccountRef) ([]Period, error)
	SetPeriodLock(ctx context.Context, ref AccountRef, year int, locked bool) (Period, error)
}

// RepositoryPort is everything the service needs from persistence.
type RepositoryPort interface {
	Store
	ActivityIndex
	PeriodReader
	LedgerReader
}

// ActivityRecorder appends activity log entries.
type ActivityRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
