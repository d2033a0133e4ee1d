package preview

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDRESS")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDRESS is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := fmt.Sprintf("test:preview:%d:", time.Now().UnixNano())
	store := NewRedisStoreWithClient(client, prefix, ttl)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t, time.Minute)

	base := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	older := Entry{
		Plan:       model.AllocationPlan{DepositID: 9, TotalGapCovered: decimal.RequireFromString("10.50")},
		ComputedAt: base,
	}
	newer := Entry{
		Plan:       model.AllocationPlan{DepositID: 9, TotalGapCovered: decimal.RequireFromString("20.75")},
		ComputedAt: base.Add(time.Microsecond),
	}

	_, found, err := store.Get(ctx, 9)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Put(ctx, 9, newer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Put(ctx, 9, older)
	require.NoError(t, err)
	assert.False(t, ok, "older plan must not replace newer one")

	got, found, err := store.Get(ctx, 9)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, decimal.RequireFromString("20.75").Equal(got.Plan.TotalGapCovered))
	assert.True(t, newer.ComputedAt.Equal(got.ComputedAt))

	require.NoError(t, store.Delete(ctx, 9))
	_, found, err = store.Get(ctx, 9)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t, 50*time.Millisecond)

	ok, err := store.Put(ctx, 1, Entry{ComputedAt: time.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, found, err := store.Get(ctx, 1)
		return err == nil && !found
	}, 2*time.Second, 20*time.Millisecond)
}
