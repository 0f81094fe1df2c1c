package debt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/debtledger/internal/shared"
)

// AccountType discriminates the business partner a ledger belongs to.
type AccountType string

const (
	AccountCustomer AccountType = "customer"
	AccountSupplier AccountType = "supplier"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	return t == AccountCustomer || t == AccountSupplier
}

// AccountRef identifies one customer or supplier ledger.
type AccountRef struct {
	Type AccountType `json:"type"`
	ID   int64       `json:"id"`
}

// NewAccountRef resolves the mutually exclusive customer/supplier selectors.
func NewAccountRef(customerID, supplierID *int64) (AccountRef, error) {
	switch {
	case customerID != nil && supplierID != nil:
		return AccountRef{}, fmt.Errorf("%w: customer_id and supplier_id are mutually exclusive", ErrValidation)
	case customerID != nil:
		return ParseAccountRef(AccountCustomer, *customerID)
	case supplierID != nil:
		return ParseAccountRef(AccountSupplier, *supplierID)
	default:
		return AccountRef{}, fmt.Errorf("%w: customer_id or supplier_id is required", ErrValidation)
	}
}

// ParseAccountRef builds a reference from an explicit type and id.
func ParseAccountRef(kind AccountType, id int64) (AccountRef, error) {
	ref := AccountRef{Type: kind, ID: id}
	if err := ref.Validate(); err != nil {
		return AccountRef{}, err
	}
	return ref, nil
}

// Validate checks the reference shape.
func (r AccountRef) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown account type %q", ErrValidation, r.Type)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: account id must be positive", ErrValidation)
	}
	return nil
}

// String renders the reference as type:id.
func (r AccountRef) String() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

// Less orders references by type then id.
func (r AccountRef) Less(other AccountRef) bool {
	if r.Type != other.Type {
		return r.Type < other.Type
	}
	return r.ID < other.ID
}

// PeriodStatus classifies a closing balance.
type PeriodStatus string

const (
	StatusPaid   PeriodStatus = "paid"
	StatusUnpaid PeriodStatus = "unpaid"
)

// SyncMethod tags how a period's opening balance was obtained.
type SyncMethod string

const (
	MethodFull              SyncMethod = "FULL"
	MethodSnapshot          SyncMethod = "SNAPSHOT"
	MethodAggregateFallback SyncMethod = "AGGREGATE_FALLBACK"
)

// SyncMode selects the batch strategy.
type SyncMode string

const (
	ModeFull     SyncMode = "full"
	ModeSnapshot SyncMode = "snapshot"
)

// ParseSyncMode validates a textual mode.
func ParseSyncMode(raw string) (SyncMode, error) {
	switch SyncMode(raw) {
	case ModeFull:
		return ModeFull, nil
	case ModeSnapshot:
		return ModeSnapshot, nil
	default:
		return "", fmt.Errorf("%w: unknown sync mode %q", ErrValidation, raw)
	}
}

// Amounts groups the four period movement buckets.
type Amounts struct {
	Increase   decimal.Decimal `json:"increase"`
	Payment    decimal.Decimal `json:"payment"`
	Return     decimal.Decimal `json:"return"`
	Adjustment decimal.Decimal `json:"adjustment"`
}

// Period is one calendar-year ledger row for one account.
type Period struct {
	ID               int64           `json:"id"`
	Account          AccountRef      `json:"account"`
	Year             int             `json:"year"`
	OpeningBalance   decimal.Decimal `json:"opening_balance"`
	IncreaseAmount   decimal.Decimal `json:"increase_amount"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	ReturnAmount     decimal.Decimal `json:"return_amount"`
	AdjustmentAmount decimal.Decimal `json:"adjustment_amount"`
	ClosingBalance   decimal.Decimal `json:"closing_balance"`
	Notes            string          `json:"notes"`
	IsLocked         bool            `json:"is_locked"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Amounts returns the stored movement buckets.
func (p Period) Amounts() Amounts {
	return Amounts{
		Increase:   p.IncreaseAmount,
		Payment:    p.PaymentAmount,
		Return:     p.ReturnAmount,
		Adjustment: p.AdjustmentAmount,
	}
}

// PeriodRow is a period joined with the account display fields.
type PeriodRow struct {
	Period
	AccountCode string
	AccountName string
}

// LedgerMaster is the live balance snapshot shown on list screens. Only the
// synchronizer writes CurrentBalance.
type LedgerMaster struct {
	Account          AccountRef      `json:"account"`
	AccountCode      string          `json:"account_code"`
	AccountName      string          `json:"account_name"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AssignedUserID   *int64          `json:"assigned_user_id,omitempty"`
	BalanceUpdatedAt *time.Time      `json:"balance_updated_at,omitempty"`
}

// SyncInput carries the parameters shared by full and snapshot resync.
type SyncInput struct {
	CustomerID     *int64
	SupplierID     *int64
	Year           int
	Notes          *string
	Adjustment     *decimal.Decimal
	AssignedUserID *int64
	ActorID        int64
}

// InputFor builds a plain sync input for ref and year.
func InputFor(ref AccountRef, year int) SyncInput {
	id := ref.ID
	in := SyncInput{Year: year}
	if ref.Type == AccountSupplier {
		in.SupplierID = &id
	} else {
		in.CustomerID = &id
	}
	return in
}

// Account resolves the selectors into a reference.
func (in SyncInput) Account() (AccountRef, error) {
	return NewAccountRef(in.CustomerID, in.SupplierID)
}

// YearResult records one iteration of the full resync fold.
type YearResult struct {
	Year           int             `json:"year"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Locked         bool            `json:"locked,omitempty"`
}

// FullSyncResult summarises a full resync.
type FullSyncResult struct {
	Account      AccountRef      `json:"account"`
	FromYear     int             `json:"from_year"`
	ToYear       int             `json:"to_year"`
	FinalBalance decimal.Decimal `json:"final_balance"`
	Years        []YearResult    `json:"years"`
}

// SnapshotResult summarises a snapshot resync. Method tells callers whether the
// opening balance is authoritative or an estimate.
type SnapshotResult struct {
	Period Period       `json:"period"`
	Status PeriodStatus `json:"status"`
	Method SyncMethod   `json:"method"`
}

// AccountFailure describes a single account that failed inside a batch.
type AccountFailure struct {
	AccountType AccountType `json:"account_type"`
	AccountID   int64       `json:"account_id"`
	Message     string      `json:"message"`
}

// BatchSummary is returned by every batch run, including partial ones.
type BatchSummary struct {
	RunID      string           `json:"run_id"`
	Mode       SyncMode         `json:"mode"`
	Year       int              `json:"year"`
	Discovered int              `json:"discovered"`
	Checked    int              `json:"checked"`
	Success    int              `json:"success"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	ElapsedMS  int64            `json:"elapsed_ms"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Failures   []AccountFailure `json:"failures"`
}

// DiscrepancyType names the invariant an audit finding violates.
type DiscrepancyType string

const (
	DiscrepancyMath        DiscrepancyType = "MATH_ERROR"
	DiscrepancyCrossPeriod DiscrepancyType = "CROSS_PERIOD_MISMATCH"
	DiscrepancyMissing     DiscrepancyType = "MISSING_DATA"
)

// Severity ranks audit findings.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// Discrepancy is one audit finding. It is report data, never an error.
type Discrepancy struct {
	Type        DiscrepancyType `json:"type"`
	Account     AccountRef      `json:"account"`
	AccountCode string          `json:"account_code,omitempty"`
	AccountName string          `json:"account_name,omitempty"`
	Year        int             `json:"year"`
	Reason      string          `json:"reason"`
	Detail      string          `json:"detail"`
	Severity    Severity        `json:"severity"`
}

// AuditReport is the outcome of AuditYear.
type AuditReport struct {
	Year             int           `json:"year"`
	Checked          int           `json:"checked"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
}

var (
	// ErrValidation marks malformed input such as bad account selectors.
	ErrValidation = shared.ErrValidation
	// ErrNotFound marks unknown accounts or periods.
	ErrNotFound = shared.ErrNotFound
	// ErrPeriodLocked is returned when automated resync targets a locked period.
	ErrPeriodLocked = fmt.Errorf("debt: period locked: %w", shared.ErrConflict)
)

// IsLocked reports whether err stems from a locked period.
func IsLocked(err error) bool {
	return errors.Is(err, ErrPeriodLocked)
}
