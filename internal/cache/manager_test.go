package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManagerWithClient(client, DefaultConfig(), nil)
}

func TestGetJSONMiss(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	var out map[string]string
	err := m.GetJSON(context.Background(), "t1:missing", &out)
	assert.True(t, IsCacheMiss(err))
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()
	key := Key("t1", "how do I scale postgres", nil)

	require.NoError(t, m.SetJSON(ctx, key, map[string]int{"hits": 3}, time.Minute))

	var out map[string]int
	require.NoError(t, m.GetJSON(ctx, key, &out))
	assert.Equal(t, 3, out["hits"])
}

func TestKeyIsTenantQualified(t *testing.T) {
	t.Parallel()

	k1 := Key("t1", "same query", nil)
	k2 := Key("t2", "same query", nil)
	assert.NotEqual(t, k1, k2)

	// Parameters participate in the hash.
	k3 := Key("t1", "same query", map[string]int{"topK": 5})
	assert.NotEqual(t, k1, k3)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]string{"answer": "42"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := m.GetOrCompute(ctx, "t1:hot-key", time.Minute, compute)
			require.NoError(t, err)
			results[i] = data
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one computation")
	for _, data := range results {
		assert.JSONEq(t, `{"answer":"42"}`, string(data))
	}

	// Subsequent call hits redis without recomputing.
	_, err := m.GetOrCompute(ctx, "t1:hot-key", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.GetOrCompute(ctx, "t1:bad", time.Minute, func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("upstream unavailable")
	})
	require.Error(t, err)

	// Failure left nothing behind; a later success computes fresh.
	data, err := m.GetOrCompute(ctx, "t1:bad", time.Minute, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(data))
}

func TestInvalidateTenant(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "t1:a", 1, time.Minute))
	require.NoError(t, m.SetJSON(ctx, "t1:b", 2, time.Minute))
	require.NoError(t, m.SetJSON(ctx, "t2:a", 3, time.Minute))

	require.NoError(t, m.InvalidateTenant(ctx, "t1"))

	var out int
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "t1:a", &out)))
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "t1:b", &out)))
	require.NoError(t, m.GetJSON(ctx, "t2:a", &out))
	assert.Equal(t, 3, out)
}
