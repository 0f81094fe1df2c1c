package debt

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sourceTables names the transactional tables feeding one account type.
type sourceTables struct {
	party       string
	column      string
	orders      string
	payments    string
	paymentDate string
	returnType  string
}

var sources = map[AccountType]sourceTables{
	AccountCustomer: {
		party:       "customers",
		column:      "customer_id",
		orders:      "sales_orders",
		payments:    "receipts",
		paymentDate: "receipt_date",
		returnType:  "SALES_RETURN",
	},
	AccountSupplier: {
		party:       "suppliers",
		column:      "supplier_id",
		orders:      "purchase_orders",
		payments:    "payment_vouchers",
		paymentDate: "voucher_date",
		returnType:  "PURCHASE_RETURN",
	},
}

func tablesFor(kind AccountType) (sourceTables, error) {
	t, ok := sources[kind]
	if !ok {
		return sourceTables{}, fmt.Errorf("%w: unknown account type %q", ErrValidation, kind)
	}
	return t, nil
}

// lowerBound returns nil for an unbounded range so SQL can test `$n::date IS NULL`.
func lowerBound(r DateRange) any {
	if r.From.IsZero() {
		return nil
	}
	return r.From
}

// source reads movements from the transactional tables. Cancelled orders are
// excluded from every query.
type source struct {
	q querier
}

func (s source) EarliestActivity(ctx context.Context, ref AccountRef) (time.Time, bool, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return time.Time{}, false, err
	}
	query := fmt.Sprintf(`
		SELECT MIN(d) FROM (
			SELECT MIN(order_date) AS d FROM %[1]s WHERE %[2]s = $1 AND status <> 'CANCELLED'
			UNION ALL
			SELECT MIN(%[4]s) AS d FROM %[3]s WHERE %[2]s = $1
		) activity`, t.orders, t.column, t.payments, t.paymentDate)
	var earliest pgtype.Date
	if err := s.q.QueryRow(ctx, query, ref.ID).Scan(&earliest); err != nil {
		return time.Time{}, false, err
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return earliest.Time, true, nil
}

func (s source) SumIncrease(ctx context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return decimal.Zero, err
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(total), 0) FROM %s
		WHERE %s = $1 AND status <> 'CANCELLED'
		  AND ($2::date IS NULL OR order_date >= $2::date) AND order_date < $3`, t.orders, t.column)
	return s.sum(ctx, query, ref.ID, lowerBound(r), r.To)
}

func (s source) SumPayments(ctx context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return decimal.Zero, err
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(amount), 0) FROM %[1]s
		WHERE %[2]s = $1 AND ($2::date IS NULL OR %[3]s >= $2::date) AND %[3]s < $3`, t.payments, t.column, t.paymentDate)
	return s.sum(ctx, query, ref.ID, lowerBound(r), r.To)
}

func (s source) OrderReferences(ctx context.Context, ref AccountRef, r DateRange) ([]int64, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE %s = $1 AND status <> 'CANCELLED'
		  AND ($2::date IS NULL OR order_date >= $2::date) AND order_date < $3
		ORDER BY id`, t.orders, t.column)
	rows, err := s.q.Query(ctx, query, ref.ID, lowerBound(r), r.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s source) SumReturns(ctx context.Context, kind AccountType, refIDs []int64, r DateRange) (decimal.Decimal, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return decimal.Zero, err
	}
	if len(refIDs) == 0 {
		return decimal.Zero, nil
	}
	const query = `
		SELECT COALESCE(SUM(total_value), 0) FROM stock_returns
		WHERE return_type = $1 AND reference_id = ANY($2)
		  AND ($3::date IS NULL OR return_date >= $3::date) AND return_date < $4`
	return s.sum(ctx, query, t.returnType, refIDs, lowerBound(r), r.To)
}

func (s source) sum(ctx context.Context, query string, args ...any) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := s.q.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// AccountsWithMovements lists accounts with orders or payments inside r.
func (s source) AccountsWithMovements(ctx context.Context, kind AccountType, r DateRange) ([]int64, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE status <> 'CANCELLED' AND order_date >= $1 AND order_date < $2
		UNION
		SELECT %[2]s FROM %[3]s
		WHERE %[4]s >= $1 AND %[4]s < $2
		ORDER BY 1`, t.orders, t.column, t.payments, t.paymentDate)
	rows, err := s.q.Query(ctx, query, r.From, r.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ReturnReferences is phase one of return discovery: the order ids referenced
// by returns dated inside r.
func (s source) ReturnReferences(ctx context.Context, kind AccountType, r DateRange) ([]int64, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	const query = `
		SELECT DISTINCT reference_id FROM stock_returns
		WHERE return_type = $1 AND return_date >= $2 AND return_date < $3
		ORDER BY reference_id`
	rows, err := s.q.Query(ctx, query, t.returnType, r.From, r.To)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ReferenceOwners is phase two: the accounts owning the referenced orders.
func (s source) ReferenceOwners(ctx context.Context, kind AccountType, refIDs []int64) ([]int64, error) {
	t, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	if len(refIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT %s FROM %s
		WHERE id = ANY($1) AND status <> 'CANCELLED'
		ORDER BY 1`, t.column, t.orders)
	rows, err := s.q.Query(ctx, query, refIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
