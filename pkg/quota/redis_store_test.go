//go:build integration

package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-insights/pkg/testhelpers"
)

func TestRedisStore_ReserveIsAtomic(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	store := NewRedisStore(client, "test:"+uuid.NewString()+":")
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.Reserve(ctx, "daily", 1, 10, time.Hour)
			require.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), granted.Load())

	ttl, err := client.PTTL(ctx, store.key("daily")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	v, err := store.Release(ctx, "daily", 15)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRedisStore_SeedOnlyWhenAbsent(t *testing.T) {
	client := testhelpers.GetTestRedis(t)
	store := NewRedisStore(client, "test:"+uuid.NewString()+":")
	ctx := context.Background()

	ok, err := store.Seed(ctx, "active", 2, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = store.Reserve(ctx, "active", 1, 5, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Seed(ctx, "active", 2, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := store.Get(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
