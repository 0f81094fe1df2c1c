package debt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy carries the rounding constants used for classification and audit.
type Policy struct {
	Tolerance              decimal.Decimal
	PaidThreshold          decimal.Decimal
	FallbackIncludeReturns bool
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Tolerance:              decimal.NewFromInt(10),
		PaidThreshold:          decimal.NewFromInt(1000),
		FallbackIncludeReturns: true,
	}
}

// ClosingBalance applies opening + increase - payment - return - adjustment.
func ClosingBalance(opening decimal.Decimal, a Amounts) decimal.Decimal {
	return opening.Add(a.Increase).Sub(a.Payment).Sub(a.Return).Sub(a.Adjustment)
}

// Status classifies a closing balance. Small positive remainders count as paid.
func (p Policy) Status(closing decimal.Decimal) PeriodStatus {
	if closing.LessThanOrEqual(p.PaidThreshold) {
		return StatusPaid
	}
	return StatusUnpaid
}

// WithinTolerance reports whether a and b differ by at most the tolerance.
func (p Policy) WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(p.Tolerance)
}

// DateRange is a half-open [From, To) interval. A zero From is unbounded.
type DateRange struct {
	From time.Time
	To   time.Time
}

// YearRange covers one calendar year.
func YearRange(year int) DateRange {
	return DateRange{From: yearStart(year), To: yearStart(year + 1)}
}

// Before covers everything strictly before the start of year.
func Before(year int) DateRange {
	return DateRange{To: yearStart(year)}
}

func yearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
}
