package debt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/odyssey-erp/debtledger/internal/jobs"
)

// auditSource is what the auditor reads: period rows and the activity index.
type auditSource interface {
	ActivityIndex
	PeriodReader
}

// Auditor cross-checks a year's periods. It never writes.
type Auditor struct {
	source  auditSource
	policy  Policy
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewAuditor constructs an auditor.
func NewAuditor(source auditSource, policy Policy, metrics *jobmetrics.Metrics, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		source:  source,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
	}
}

// AuditYear runs the math, cross-period and missing-period checks for year.
// Findings are returned as report data.
func (a *Auditor) AuditYear(ctx context.Context, year int) (AuditReport, error) {
	if year <= 0 {
		return AuditReport{}, fmt.Errorf("%w: year must be positive", ErrValidation)
	}
	rows, err := a.source.ListPeriodRows(ctx, year-1, year)
	if err != nil {
		return AuditReport{}, fmt.Errorf("debt: load periods %d: %w", year, err)
	}

	prior := make(map[AccountRef]PeriodRow)
	var current []PeriodRow
	for _, row := range rows {
		switch row.Year {
		case year - 1:
			prior[row.Account] = row
		case year:
			current = append(current, row)
		}
	}

	report := AuditReport{Year: year, Checked: len(current), Discrepancies: []Discrepancy{}}
	synced := make(map[AccountRef]struct{}, len(current))
	for _, row := range current {
		synced[row.Account] = struct{}{}

		expected := ClosingBalance(row.OpeningBalance, row.Amounts())
		if !a.policy.WithinTolerance(row.ClosingBalance, expected) {
			report.Discrepancies = append(report.Discrepancies, a.finding(row, DiscrepancyMath, SeverityCritical,
				"closing balance does not match opening + increase - payment - return - adjustment",
				fmt.Sprintf("stored closing %s, recomputed %s", formatAmount(row.ClosingBalance), formatAmount(expected)),
			))
		}

		before, ok := prior[row.Account]
		if !ok {
			continue
		}
		if !a.policy.WithinTolerance(before.ClosingBalance, row.OpeningBalance) {
			report.Discrepancies = append(report.Discrepancies, a.finding(row, DiscrepancyCrossPeriod, SeverityHigh,
				fmt.Sprintf("opening balance differs from %d closing balance", year-1),
				fmt.Sprintf("%d closing %s, %d opening %s", year-1, formatAmount(before.ClosingBalance), year, formatAmount(row.OpeningBalance)),
			))
		}
	}

	active, err := DiscoverActiveAccounts(ctx, a.source, year)
	if err != nil {
		return AuditReport{}, err
	}
	for _, ref := range active {
		if _, ok := synced[ref]; ok {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Type:     DiscrepancyMissing,
			Account:  ref,
			Year:     year,
			Reason:   fmt.Sprintf("account has movements in %d but no period row; run a sync for this year", year),
			Detail:   fmt.Sprintf("missing period %s/%d", ref, year),
			Severity: SeverityMedium,
		})
	}

	report.DiscrepancyCount = len(report.Discrepancies)
	a.record(report)
	a.logger.Info("debt audit finished",
		slog.Int("year", year),
		slog.Int("checked", report.Checked),
		slog.Int("discrepancies", report.DiscrepancyCount),
	)
	return report, nil
}

func (a *Auditor) finding(row PeriodRow, kind DiscrepancyType, severity Severity, reason, detail string) Discrepancy {
	return Discrepancy{
		Type:        kind,
		Account:     row.Account,
		AccountCode: row.AccountCode,
		AccountName: row.AccountName,
		Year:        row.Year,
		Reason:      reason,
		Detail:      detail,
		Severity:    severity,
	}
}

func (a *Auditor) record(report AuditReport) {
	type bucket struct {
		kind     DiscrepancyType
		severity Severity
	}
	counts := make(map[bucket]int)
	for _, d := range report.Discrepancies {
		counts[bucket{d.Type, d.Severity}]++
	}
	for b, n := range counts {
		a.metrics.AddDiscrepancies(string(b.kind), string(b.severity), n)
	}
}

// formatAmount renders an amount with thousands separators and two decimals.
func formatAmount(v decimal.Decimal) string {
	sign := ""
	if v.IsNegative() {
		sign = "-"
		v = v.Neg()
	}
	whole := v.Truncate(0)
	frac := v.Sub(whole).Shift(2).Round(0).IntPart()
	if frac == 100 {
		whole = whole.Add(decimal.NewFromInt(1))
		frac = 0
	}
	p := message.NewPrinter(language.English)
	return fmt.Sprintf("%s%s.%02d", sign, p.Sprintf("%d", whole.IntPart()), frac)
}
