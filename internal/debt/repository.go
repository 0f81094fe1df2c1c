package debt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/debtledger/internal/platform/db"
	"github.com/odyssey-erp/debtledger/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the debt ledger.
type Repository struct {
	pool *pgxpool.Pool
	source
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, source: source{q: pool}}
}

// WithAccountTx runs fn in a read-committed transaction holding the account's
// advisory lock. Read committed lets statements after the lock wait observe
// rows committed by the previous holder.
func (r *Repository) WithAccountTx(ctx context.Context, ref AccountRef, fn func(context.Context, Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("debt: repository not initialised")
	}
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		key := shared.DebtAccountLockKey(string(ref.Type), ref.ID)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("debt: lock %s: %w", ref, err)
		}
		return fn(ctx, &pgTx{source: source{q: tx}})
	})
}

const periodColumns = `p.id, p.customer_id, p.supplier_id, p.year, p.opening_balance, p.increase_amount,
	p.payment_amount, p.return_amount, p.adjustment_amount, p.closing_balance, p.notes, p.is_locked, p.updated_at`

func scanPeriod(row pgx.Row, extra ...any) (Period, error) {
	var p Period
	var customerID, supplierID pgtype.Int8
	dest := []any{
		&p.ID, &customerID, &supplierID, &p.Year, &p.OpeningBalance, &p.IncreaseAmount,
		&p.PaymentAmount, &p.ReturnAmount, &p.AdjustmentAmount, &p.ClosingBalance, &p.Notes, &p.IsLocked, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Period{}, err
	}
	p.Account = refFromColumns(customerID, supplierID)
	return p, nil
}

func refFromColumns(customerID, supplierID pgtype.Int8) AccountRef {
	if customerID.Valid {
		return AccountRef{Type: AccountCustomer, ID: customerID.Int64}
	}
	return AccountRef{Type: AccountSupplier, ID: supplierID.Int64}
}

// ListPeriodRows loads every period row of the given years with display fields.
func (r *Repository) ListPeriodRows(ctx context.Context, years ...int) ([]PeriodRow, error) {
	query := `
		SELECT ` + periodColumns + `, COALESCE(c.code, s.code, ''), COALESCE(c.name, s.name, '')
		FROM debt_periods p
		LEFT JOIN customers c ON c.id = p.customer_id
		LEFT JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.year = ANY($1)
		ORDER BY p.year, p.customer_id NULLS LAST, p.supplier_id`
	rows, err := r.pool.Query(ctx, query, years)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeriodRow
	for rows.Next() {
		var row PeriodRow
		p, err := scanPeriod(rows, &row.AccountCode, &row.AccountName)
		if err != nil {
			return nil, err
		}
		row.Period = p
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetMaster loads the ledger master with account display fields.
func (r *Repository) GetMaster(ctx context.Context, ref AccountRef) (LedgerMaster, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return LedgerMaster{}, err
	}
	query := fmt.Sprintf(`
		SELECT a.code, a.name, l.current_balance, l.assigned_user_id, l.balance_updated_at
		FROM debt_ledgers l
		JOIN %s a ON a.id = l.%s
		WHERE l.%s = $1`, t.party, t.column, t.column)
	m := LedgerMaster{Account: ref}
	var assigned pgtype.Int8
	var updated pgtype.Timestamptz
	err = r.pool.QueryRow(ctx, query, ref.ID).Scan(&m.AccountCode, &m.AccountName, &m.CurrentBalance, &assigned, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerMaster{}, fmt.Errorf("debt: ledger %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return LedgerMaster{}, err
	}
	m.AssignedUserID = int8ToPointer(assigned)
	m.BalanceUpdatedAt = timeToPointer(updated)
	return m, nil
}

// ListMasters pages ledger masters ordered by outstanding balance.
func (r *Repository) ListMasters(ctx context.Context, filter ListFilter) ([]LedgerMaster, error) {
	const query = `
		SELECT l.customer_id, l.supplier_id, COALESCE(c.code, s.code, ''), COALESCE(c.name, s.name, ''),
			l.current_balance, l.assigned_user_id, l.balance_updated_at
		FROM debt_ledgers l
		LEFT JOIN customers c ON c.id = l.customer_id
		LEFT JOIN suppliers s ON s.id = l.supplier_id
		WHERE $1::text = ''
		   OR ($1::text = 'customer' AND l.customer_id IS NOT NULL)
		   OR ($1::text = 'supplier' AND l.supplier_id IS NOT NULL)
		ORDER BY l.current_balance DESC, l.id
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, string(filter.Type), filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerMaster
	for rows.Next() {
		var m LedgerMaster
		var customerID, supplierID, assigned pgtype.Int8
		var updated pgtype.Timestamptz
		if err := rows.Scan(&customerID, &supplierID, &m.AccountCode, &m.AccountName, &m.CurrentBalance, &assigned, &updated); err != nil {
			return nil, err
		}
		m.Account = refFromColumns(customerID, supplierID)
		m.AssignedUserID = int8ToPointer(assigned)
		m.BalanceUpdatedAt = timeToPointer(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPeriods returns every period of one account ordered by year.
func (r *Repository) ListPeriods(ctx context.Context, ref AccountRef) ([]Period, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM debt_periods p WHERE p.%s = $1 ORDER BY p.year`, periodColumns, t.column)
	rows, err := r.pool.Query(ctx, query, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPeriodLock flips the manual lock of one period.
func (r *Repository) SetPeriodLock(ctx context.Context, ref AccountRef, year int, locked bool) (Period, error) {
	t, err := tablesFor(ref.Type)
	if err != nil {
		return Period{}, err
	}
	query := fmt.Sprintf(`
		UPDATE debt_periods p SET is_locked = $3, updated_at = NOW()
		WHERE p.%s = $1 AND p.year = $2
		RETURNING %s`, t.column, periodColumns)
	p, err := scanPeriod(r.pool.QueryRow(ctx, query, ref.ID, year, locked))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, fmt.Errorf("debt: period %s/%d: %w", ref, year, ErrNotFound)
	}
	return p, err
}

// pgTx implements Tx on top of an open pgx transaction.
type pgTx struct {
	source
}

func (t *pgTx) AccountExists(ctx context.Context, ref AccountRef) (bool, error) {
	tables, err := tablesFor(ref.Type)
	if err != nil {
		return false, err
	}
	var exists bool
	err = t.q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, tables.party), ref.ID).Scan(&exists)
	return exists, err
}

func (t *pgTx) GetPeriod(ctx context.Context, ref AccountRef, year int) (Period, bool, error) {
	tables, err := tablesFor(ref.Type)
	if err != nil {
		return Period{}, false, err
	}
	query := fmt.Sprintf(`SELECT %s FROM debt_periods p WHERE p.%s = $1 AND p.year = $2`, periodColumns, tables.column)
	p, err := scanPeriod(t.q.QueryRow(ctx, query, ref.ID, year))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, false, nil
	}
	if err != nil {
		return Period{}, false, err
	}
	return p, true, nil
}

func (t *pgTx) SumAdjustmentsBefore(ctx context.Context, ref AccountRef, year int) (decimal.Decimal, error) {
	tables, err := tablesFor(ref.Type)
	if err != nil {
		return decimal.Zero, err
	}
	query := fmt.Sprintf(`SELECT COALESCE(SUM(adjustment_amount), 0) FROM debt_periods WHERE %s = $1 AND year < $2`, tables.column)
	return t.sum(ctx, query, ref.ID, year)
}

func (t *pgTx) UpsertPeriod(ctx context.Context, p Period) (Period, error) {
	tables, err := tablesFor(p.Account.Type)
	if err != nil {
		return Period{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO debt_periods AS p (%[1]s, year, opening_balance, increase_amount, payment_amount,
			return_amount, adjustment_amount, closing_balance, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (%[1]s, year) WHERE %[1]s IS NOT NULL DO UPDATE SET
			opening_balance = EXCLUDED.opening_balance,
			increase_amount = EXCLUDED.increase_amount,
			payment_amount = EXCLUDED.payment_amount,
			return_amount = EXCLUDED.return_amount,
			adjustment_amount = EXCLUDED.adjustment_amount,
			closing_balance = EXCLUDED.closing_balance,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		RETURNING %[2]s`, tables.column, periodColumns)
	return scanPeriod(t.q.QueryRow(ctx, query,
		p.Account.ID, p.Year, p.OpeningBalance, p.IncreaseAmount, p.PaymentAmount,
		p.ReturnAmount, p.AdjustmentAmount, p.ClosingBalance, p.Notes, p.UpdatedAt,
	))
}

func (t *pgTx) EnsureMaster(ctx context.Context, ref AccountRef, assignedUserID *int64) error {
	tables, err := tablesFor(ref.Type)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO debt_ledgers AS l (%[1]s, assigned_user_id) VALUES ($1, $2)
		ON CONFLICT (%[1]s) WHERE %[1]s IS NOT NULL DO UPDATE SET
			assigned_user_id = COALESCE(EXCLUDED.assigned_user_id, l.assigned_user_id)`, tables.column)
	_, err = t.q.Exec(ctx, query, ref.ID, assignedUserID)
	return err
}

func (t *pgTx) SetCurrentBalance(ctx context.Context, ref AccountRef, balance decimal.Decimal, at time.Time) error {
	tables, err := tablesFor(ref.Type)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE debt_ledgers SET current_balance = $2, balance_updated_at = $3 WHERE %s = $1`, tables.column)
	_, err = t.q.Exec(ctx, query, ref.ID, balance, at)
	return err
}

func int8ToPointer(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func timeToPointer(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	value := v.Time
	return &value
}
