package debt

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), mr
}

func TestCacheFetchJSONLoadsOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key, err := cache.BuildKey(ctx, keyMaster(customer(12))...)
	require.NoError(t, err)
	require.Equal(t, "debt:master:customer:12:v1", key)

	var calls int32
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return LedgerMaster{Account: customer(12), AccountCode: "C-012"}, nil
	}
	for i := 0; i < 3; i++ {
		var got LedgerMaster
		require.NoError(t, cache.FetchJSON(ctx, key, &got, loader))
		require.Equal(t, "C-012", got.AccountCode)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheBumpMovesVersion(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	before, err := cache.BuildKey(ctx, "periods", "customer", "1")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, "periods", "customer", "1")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
	require.Equal(t, "debt:periods:customer:1:v2", after)
}

func TestCacheVersionOnlyMovesForward(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, cache.Bump(ctx))
	}
	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), ver)

	moved, err := cache.advanceVersion(ctx, 6)
	require.NoError(t, err)
	require.False(t, moved)
	ver, err = cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), ver)

	moved, err = cache.advanceVersion(ctx, 9)
	require.NoError(t, err)
	require.True(t, moved)
	ver, err = cache.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), ver)
}

func TestCacheListenerIgnoresStaleBumps(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mr.Set(cacheVersionKey, "7"))
	require.NoError(t, cache.ListenForInvalidation(ctx))

	require.Eventually(t, func() bool {
		return mr.Publish(bumpChannel, "6") > 0
	}, time.Second, 10*time.Millisecond)
	mr.Publish(bumpChannel, "8")

	require.Eventually(t, func() bool {
		ver, err := cache.Version(ctx)
		return err == nil && ver == 8
	}, time.Second, 10*time.Millisecond)
}

func TestCacheInvalidateAccountIsScoped(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	seed := func(parts ...string) string {
		key, err := cache.BuildKey(ctx, parts...)
		require.NoError(t, err)
		var out string
		require.NoError(t, cache.FetchJSON(ctx, key, &out, func(context.Context) (any, error) { return "cached", nil }))
		return key
	}
	own := seed(keyMaster(customer(1))...)
	ownPeriods := seed(keyPeriods(customer(1))...)
	other := seed(keyMaster(customer(11))...)
	supplierKey := seed(keyMaster(supplier(1))...)
	list := seed(keyMasterList(ListFilter{Limit: 50})...)

	require.NoError(t, cache.InvalidateAccount(ctx, customer(1)))
	require.False(t, mr.Exists(own))
	require.False(t, mr.Exists(ownPeriods))
	require.False(t, mr.Exists(list))
	require.True(t, mr.Exists(other))
	require.True(t, mr.Exists(supplierKey))
}

func TestNilCachePassesThrough(t *testing.T) {
	var cache *Cache
	ctx := context.Background()
	key, err := cache.BuildKey(ctx, "master", "customer", "1")
	require.NoError(t, err)
	require.Equal(t, "debt:master:customer:1", key)

	var got LedgerMaster
	require.NoError(t, cache.FetchJSON(ctx, key, &got, func(context.Context) (any, error) {
		return LedgerMaster{AccountName: "Acme"}, nil
	}))
	require.Equal(t, "Acme", got.AccountName)
	require.NoError(t, cache.Bump(ctx))
	require.NoError(t, cache.InvalidateAccount(ctx, customer(1)))
}
