package debt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingInvalidator struct {
	mu    sync.Mutex
	bumps int
}

func (c *countingInvalidator) Bump(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumps++
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	if e, ok := event.(Event); ok {
		p.events = append(p.events, e)
	}
	return nil
}

func newTestRunner(store *memStore, workers int) (*BatchRunner, *countingInvalidator, *recordingPublisher) {
	cache := &countingInvalidator{}
	pub := &recordingPublisher{}
	runner := NewBatchRunner(store, newTestSynchronizer(store, 2024), BatchOptions{
		Workers:   workers,
		Cache:     cache,
		Publisher: pub,
	}, nil)
	return runner, cache, pub
}

func TestBatchIsolatesFailingAccount(t *testing.T) {
	store := newMemStore()
	for id := int64(1); id <= 3; id++ {
		store.addAccount(customer(id), "C")
		store.addOrder(customer(id), "2024-02-01", 1000*id)
	}
	// customer 4 has movements but was deleted from the master table
	store.addOrder(customer(4), "2024-02-01", 500)
	runner, cache, pub := newTestRunner(store, 1)

	summary, err := runner.Run(context.Background(), ModeFull, 2024)
	require.NoError(t, err)
	require.Equal(t, 4, summary.Discovered)
	require.Equal(t, 4, summary.Checked)
	require.Equal(t, 3, summary.Success)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, AccountCustomer, summary.Failures[0].AccountType)
	require.Equal(t, int64(4), summary.Failures[0].AccountID)
	require.Contains(t, summary.Failures[0].Message, "not found")
	require.NotEmpty(t, summary.RunID)

	require.Equal(t, 1, cache.bumps)
	require.Len(t, pub.events, 1)
	require.Equal(t, EventBatchCompleted, pub.events[0].Type)
}

func TestDiscoverResolvesReturnOnlyAccounts(t *testing.T) {
	store := newMemStore()
	s := supplier(7)
	store.addAccount(s, "S-007")
	po := store.addOrder(s, "2023-11-01", 9000)
	store.addReturn(AccountSupplier, po, "2024-01-15", 1000)
	store.addCancelledOrder(customer(2), "2024-03-01", 100)
	store.addPayment(customer(5), "2024-04-01", 10)

	active, err := DiscoverActiveAccounts(context.Background(), store, 2024)
	require.NoError(t, err)
	require.Equal(t, []AccountRef{customer(5), supplier(7)}, active)
}

func TestBatchSnapshotRunsReturnOnlyAccount(t *testing.T) {
	store := newMemStore()
	s := supplier(7)
	store.addAccount(s, "S-007")
	po := store.addOrder(s, "2023-11-01", 9000)
	store.addReturn(AccountSupplier, po, "2024-01-15", 1000)
	runner, _, _ := newTestRunner(store, 1)

	summary, err := runner.Run(context.Background(), ModeSnapshot, 2024)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Success)

	p, ok := store.period(s, 2024)
	require.True(t, ok)
	requireDecimal(t, 9000, p.OpeningBalance)
	requireDecimal(t, 1000, p.ReturnAmount)
	requireDecimal(t, 8000, p.ClosingBalance)
}

func TestBatchParallelWorkersMatchSequential(t *testing.T) {
	build := func() *memStore {
		store := newMemStore()
		for id := int64(1); id <= 20; id++ {
			store.addAccount(customer(id), "C")
			store.addOrder(customer(id), "2023-05-01", 100*id)
			store.addPayment(customer(id), "2024-05-01", 10*id)
		}
		store.addPayment(customer(21), "2024-05-01", 1)
		return store
	}

	sequentialStore := build()
	sequential, _, _ := newTestRunner(sequentialStore, 1)
	want, err := sequential.Run(context.Background(), ModeFull, 2024)
	require.NoError(t, err)

	parallelStore := build()
	parallel, cache, _ := newTestRunner(parallelStore, 4)
	got, err := parallel.Run(context.Background(), ModeFull, 2024)
	require.NoError(t, err)

	require.Equal(t, want.Success, got.Success)
	require.Equal(t, 20, got.Success)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, int64(21), got.Failures[0].AccountID)
	require.Equal(t, 1, cache.bumps)
	for id := int64(1); id <= 20; id++ {
		seq := sequentialStore.periodsOf(customer(id))
		par := parallelStore.periodsOf(customer(id))
		require.Len(t, par, len(seq))
		for i := range seq {
			require.Equal(t, seq[i].Year, par[i].Year)
			require.True(t, seq[i].ClosingBalance.Equal(par[i].ClosingBalance))
		}
	}
}

func TestBatchSkipsLockedPeriods(t *testing.T) {
	store := newMemStore()
	store.addAccount(customer(1), "C-1")
	store.addAccount(customer(2), "C-2")
	store.addOrder(customer(1), "2024-01-01", 10)
	store.addOrder(customer(2), "2024-01-01", 10)
	store.putPeriod(Period{Account: customer(2), Year: 2024, IsLocked: true})
	runner, _, _ := newTestRunner(store, 1)

	summary, err := runner.Run(context.Background(), ModeSnapshot, 2024)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Success)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, summary.Failed)
	require.Empty(t, summary.Failures)
}

func TestBatchStopsBetweenAccountsOnCancel(t *testing.T) {
	store := newMemStore()
	for id := int64(1); id <= 5; id++ {
		store.addAccount(customer(id), "C")
		store.addOrder(customer(id), "2024-02-01", 100)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	store.onTx = func(AccountRef) {
		calls++
		if calls == 2 {
			cancel()
		}
	}
	runner, cache, _ := newTestRunner(store, 1)

	summary, err := runner.Run(ctx, ModeSnapshot, 2024)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, summary.Cancelled)
	require.Equal(t, 5, summary.Discovered)
	require.Equal(t, 2, summary.Checked)
	require.Equal(t, 2, summary.Success)
	require.Equal(t, 1, cache.bumps)

	_, ok := store.period(customer(3), 2024)
	require.False(t, ok)
}

func TestBatchDiscoveryFailureIsHard(t *testing.T) {
	store := newMemStore()
	store.discoverErr = errors.New("db down")
	runner, cache, _ := newTestRunner(store, 1)

	_, err := runner.Run(context.Background(), ModeFull, 2024)
	require.Error(t, err)
	require.Equal(t, 0, cache.bumps)
}

func TestBatchValidatesInput(t *testing.T) {
	runner, _, _ := newTestRunner(newMemStore(), 1)

	_, err := runner.Run(context.Background(), SyncMode("weekly"), 2024)
	require.ErrorIs(t, err, ErrValidation)
	_, err = runner.Run(context.Background(), ModeFull, 0)
	require.ErrorIs(t, err, ErrValidation)
}
