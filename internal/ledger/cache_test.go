package ledger

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheFetchJSONPopulatesOnce(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return SupplierBalance{SupplierID: 5, BalanceDue: 930}, nil
	}

	key, err := cache.BuildKey(ctx, "ledger:supplier:5:balance")
	require.NoError(t, err)

	var first SupplierBalance
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	require.Equal(t, 930.0, first.BalanceDue)
	require.Equal(t, 1, calls)

	var second SupplierBalance
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))
	require.Equal(t, 930.0, second.BalanceDue)
	require.Equal(t, 1, calls)
}

func TestCacheBumpRetiresOldKeys(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "ledger:supplier:5:balance")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, "ledger:supplier:5:balance")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCacheNilClientFallsThrough(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	var balance SupplierBalance
	err := cache.FetchJSON(ctx, "any", &balance, func(context.Context) (any, error) {
		return SupplierBalance{BalanceDue: 42}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42.0, balance.BalanceDue)
	require.NoError(t, cache.Bump(ctx))
}
