package debt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memOrder struct {
	id        int64
	kind      AccountType
	account   int64
	date      time.Time
	total     decimal.Decimal
	cancelled bool
}

type memPayment struct {
	kind    AccountType
	account int64
	date    time.Time
	amount  decimal.Decimal
}

type memReturn struct {
	kind  AccountType
	refID int64
	date  time.Time
	value decimal.Decimal
}

type periodKey struct {
	ref  AccountRef
	year int
}

// memStore is an in-memory RepositoryPort. Account transactions work on a
// staged copy that is only published when fn succeeds.
type memStore struct {
	mu          sync.Mutex
	accounts    map[AccountRef]string
	orders      []memOrder
	payments    []memPayment
	returns     []memReturn
	periods     map[periodKey]Period
	masters     map[AccountRef]LedgerMaster
	nextID      int64
	failUpsert  map[AccountRef]int
	discoverErr error
	onTx        func(ref AccountRef)
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   make(map[AccountRef]string),
		periods:    make(map[periodKey]Period),
		masters:    make(map[AccountRef]LedgerMaster),
		failUpsert: make(map[AccountRef]int),
	}
}

func day(raw string) time.Time {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		panic(err)
	}
	return t
}

func customer(id int64) AccountRef { return AccountRef{Type: AccountCustomer, ID: id} }
func supplier(id int64) AccountRef { return AccountRef{Type: AccountSupplier, ID: id} }

func (s *memStore) addAccount(ref AccountRef, code string) {
	s.accounts[ref] = code
}

func (s *memStore) addOrder(ref AccountRef, date string, total int64) int64 {
	s.nextID++
	s.orders = append(s.orders, memOrder{id: s.nextID, kind: ref.Type, account: ref.ID, date: day(date), total: decimal.NewFromInt(total)})
	return s.nextID
}

func (s *memStore) addCancelledOrder(ref AccountRef, date string, total int64) int64 {
	id := s.addOrder(ref, date, total)
	s.orders[len(s.orders)-1].cancelled = true
	return id
}

func (s *memStore) addPayment(ref AccountRef, date string, amount int64) {
	s.payments = append(s.payments, memPayment{kind: ref.Type, account: ref.ID, date: day(date), amount: decimal.NewFromInt(amount)})
}

func (s *memStore) addReturn(kind AccountType, refID int64, date string, value int64) {
	s.returns = append(s.returns, memReturn{kind: kind, refID: refID, date: day(date), value: decimal.NewFromInt(value)})
}

func (s *memStore) putPeriod(p Period) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.periods[periodKey{p.Account, p.Year}] = p
}

func (s *memStore) period(ref AccountRef, year int) (Period, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[periodKey{ref, year}]
	return p, ok
}

func (s *memStore) master(ref AccountRef) (LedgerMaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[ref]
	return m, ok
}

func (s *memStore) periodsOf(ref AccountRef) []Period {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Period
	for key, p := range s.periods {
		if key.ref == ref {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

func inRange(t time.Time, r DateRange) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	return t.Before(r.To)
}

func (s *memStore) WithAccountTx(ctx context.Context, ref AccountRef, fn func(context.Context, Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onTx != nil {
		s.onTx(ref)
	}
	tx := &memTx{store: s, periods: make(map[periodKey]Period, len(s.periods)), masters: make(map[AccountRef]LedgerMaster, len(s.masters))}
	for k, v := range s.periods {
		tx.periods[k] = v
	}
	for k, v := range s.masters {
		tx.masters[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.periods = tx.periods
	s.masters = tx.masters
	return nil
}

// memTx reads sources from the store and writes to its staged maps. The store
// mutex is held for the whole transaction.
type memTx struct {
	store   *memStore
	periods map[periodKey]Period
	masters map[AccountRef]LedgerMaster
}

func (t *memTx) EarliestActivity(_ context.Context, ref AccountRef) (time.Time, bool, error) {
	var earliest time.Time
	found := false
	consider := func(d time.Time) {
		if !found || d.Before(earliest) {
			earliest, found = d, true
		}
	}
	for _, o := range t.store.orders {
		if o.kind == ref.Type && o.account == ref.ID && !o.cancelled {
			consider(o.date)
		}
	}
	for _, p := range t.store.payments {
		if p.kind == ref.Type && p.account == ref.ID {
			consider(p.date)
		}
	}
	return earliest, found, nil
}

func (t *memTx) SumIncrease(_ context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, o := range t.store.orders {
		if o.kind == ref.Type && o.account == ref.ID && !o.cancelled && inRange(o.date, r) {
			total = total.Add(o.total)
		}
	}
	return total, nil
}

func (t *memTx) SumPayments(_ context.Context, ref AccountRef, r DateRange) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range t.store.payments {
		if p.kind == ref.Type && p.account == ref.ID && inRange(p.date, r) {
			total = total.Add(p.amount)
		}
	}
	return total, nil
}

func (t *memTx) OrderReferences(_ context.Context, ref AccountRef, r DateRange) ([]int64, error) {
	var ids []int64
	for _, o := range t.store.orders {
		if o.kind == ref.Type && o.account == ref.ID && !o.cancelled && inRange(o.date, r) {
			ids = append(ids, o.id)
		}
	}
	return ids, nil
}

func (t *memTx) SumReturns(_ context.Context, kind AccountType, refIDs []int64, r DateRange) (decimal.Decimal, error) {
	wanted := make(map[int64]bool, len(refIDs))
	for _, id := range refIDs {
		wanted[id] = true
	}
	total := decimal.Zero
	for _, ret := range t.store.returns {
		if ret.kind == kind && wanted[ret.refID] && inRange(ret.date, r) {
			total = total.Add(ret.value)
		}
	}
	return total, nil
}

func (t *memTx) AccountExists(_ context.Context, ref AccountRef) (bool, error) {
	_, ok := t.store.accounts[ref]
	return ok, nil
}

func (t *memTx) GetPeriod(_ context.Context, ref AccountRef, year int) (Period, bool, error) {
	p, ok := t.periods[periodKey{ref, year}]
	return p, ok, nil
}

func (t *memTx) SumAdjustmentsBefore(_ context.Context, ref AccountRef, year int) (decimal.Decimal, error) {
	total := decimal.Zero
	for key, p := range t.periods {
		if key.ref == ref && key.year < year {
			total = total.Add(p.AdjustmentAmount)
		}
	}
	return total, nil
}

func (t *memTx) UpsertPeriod(_ context.Context, p Period) (Period, error) {
	if year, ok := t.store.failUpsert[p.Account]; ok && year == p.Year {
		return Period{}, errors.New("upsert failed")
	}
	key := periodKey{p.Account, p.Year}
	if existing, ok := t.periods[key]; ok {
		p.ID = existing.ID
		p.IsLocked = existing.IsLocked
	} else {
		t.store.nextID++
		p.ID = t.store.nextID
	}
	t.periods[key] = p
	return p, nil
}

func (t *memTx) EnsureMaster(_ context.Context, ref AccountRef, assignedUserID *int64) error {
	m, ok := t.masters[ref]
	if !ok {
		m = LedgerMaster{Account: ref, AccountCode: t.store.accounts[ref]}
	}
	if assignedUserID != nil {
		id := *assignedUserID
		m.AssignedUserID = &id
	}
	t.masters[ref] = m
	return nil
}

func (t *memTx) SetCurrentBalance(_ context.Context, ref AccountRef, balance decimal.Decimal, at time.Time) error {
	m, ok := t.masters[ref]
	if !ok {
		return errors.New("master missing")
	}
	m.CurrentBalance = balance
	m.BalanceUpdatedAt = &at
	t.masters[ref] = m
	return nil
}

func (s *memStore) AccountsWithMovements(_ context.Context, kind AccountType, r DateRange) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	seen := make(map[int64]bool)
	for _, o := range s.orders {
		if o.kind == kind && !o.cancelled && inRange(o.date, r) {
			seen[o.account] = true
		}
	}
	for _, p := range s.payments {
		if p.kind == kind && inRange(p.date, r) {
			seen[p.account] = true
		}
	}
	return sortedIDs(seen), nil
}

func (s *memStore) ReturnReferences(_ context.Context, kind AccountType, r DateRange) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	for _, ret := range s.returns {
		if ret.kind == kind && inRange(ret.date, r) {
			seen[ret.refID] = true
		}
	}
	return sortedIDs(seen), nil
}

func (s *memStore) ReferenceOwners(_ context.Context, kind AccountType, refIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int64]bool, len(refIDs))
	for _, id := range refIDs {
		wanted[id] = true
	}
	seen := make(map[int64]bool)
	for _, o := range s.orders {
		if o.kind == kind && wanted[o.id] && !o.cancelled {
			seen[o.account] = true
		}
	}
	return sortedIDs(seen), nil
}

func sortedIDs(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *memStore) ListPeriodRows(_ context.Context, years ...int) ([]PeriodRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[int]bool, len(years))
	for _, y := range years {
		wanted[y] = true
	}
	var out []PeriodRow
	for key, p := range s.periods {
		if wanted[key.year] {
			out = append(out, PeriodRow{Period: p, AccountCode: s.accounts[key.ref], AccountName: s.accounts[key.ref]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Account.Less(out[j].Account)
	})
	return out, nil
}

func (s *memStore) GetMaster(_ context.Context, ref AccountRef) (LedgerMaster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.masters[ref]
	if !ok {
		return LedgerMaster{}, ErrNotFound
	}
	return m, nil
}

func (s *memStore) ListMasters(_ context.Context, filter ListFilter) ([]LedgerMaster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerMaster
	for ref, m := range s.masters {
		if filter.Type == "" || filter.Type == ref.Type {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Less(out[j].Account) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) ListPeriods(_ context.Context, ref AccountRef) ([]Period, error) {
	return s.periodsOf(ref), nil
}

func (s *memStore) SetPeriodLock(_ context.Context, ref AccountRef, year int, locked bool) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodKey{ref, year}
	p, ok := s.periods[key]
	if !ok {
		return Period{}, ErrNotFound
	}
	p.IsLocked = locked
	s.periods[key] = p
	return p, nil
}
