package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditx/platform-core/internal/resilience"
)

type fakeRedis struct {
	mu       sync.Mutex
	data     map[string]string
	failing  bool
	getCalls int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	cmd := redis.NewStringCmd(ctx)
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if v, ok := f.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil)
	f.mu.Lock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	f.mu.Unlock()
	cmd.SetVal(keys, 0)
	return cmd
}

func newTestClient(rdb Commands) *Client {
	c := New(Config{
		BreakerFailMax:      3,
		BreakerResetTimeout: time.Minute,
		StampedeLockTimeout: 100 * time.Millisecond,
	}, zerolog.Nop())
	c.rdb = rdb
	return c
}

func TestClient_GetSet(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	c := newTestClient(f)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	require.True(t, c.Set(ctx, "k", []byte(`{"v":1}`), time.Minute))

	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(val))

	require.True(t, c.Delete(ctx, "k"))
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	snap := c.Metrics()
	assert.EqualValues(t, 1, snap.Hits)
	assert.EqualValues(t, 2, snap.Misses)
}

func TestClient_MissesDoNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	c := newTestClient(f)

	// Well past failMax consecutive misses against a healthy backend.
	for i := 0; i < 10; i++ {
		_, ok := c.Get(ctx, "missing")
		assert.False(t, ok)
	}
	assert.Equal(t, resilience.BreakerClosed, c.BreakerState())

	// The backend is still treated as healthy.
	require.True(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	snap := c.Metrics()
	assert.EqualValues(t, 10, snap.Misses)
	assert.EqualValues(t, 0, snap.Errors)
}

func TestClient_BreakerDegradation(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	c := newTestClient(f)
	f.failing = true

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		_, ok := c.Get(ctx, "k")
		assert.False(t, ok)
	}
	assert.Equal(t, resilience.BreakerOpen, c.BreakerState())

	// Open breaker: no underlying calls, miss/false semantics, no panic.
	before := f.getCalls
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, before, f.getCalls)
	assert.False(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	assert.False(t, c.Delete(ctx, "k"))
}

func TestClient_GetAside(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and writes back", func(t *testing.T) {
		f := newFakeRedis()
		c := newTestClient(f)

		fetches := 0
		val, err := c.GetAside(ctx, "profile:1", func(ctx context.Context) ([]byte, error) {
			fetches++
			return []byte(`{"name":"acme"}`), nil
		}, time.Minute)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"acme"}`, string(val))
		assert.Equal(t, 1, fetches)

		// Second call is a pure hit.
		_, err = c.GetAside(ctx, "profile:1", func(ctx context.Context) ([]byte, error) {
			fetches++
			return nil, errors.New("should not fetch")
		}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, fetches)
	})

	t.Run("stampede protection collapses concurrent fetches", func(t *testing.T) {
		f := newFakeRedis()
		c := newTestClient(f)

		const callers = 20
		var fetches atomic.Int64
		var wg sync.WaitGroup
		results := make([][]byte, callers)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				val, err := c.GetAside(ctx, "hot", func(ctx context.Context) ([]byte, error) {
					fetches.Add(1)
					time.Sleep(5 * time.Millisecond)
					return []byte(`{"hot":true}`), nil
				}, time.Minute)
				require.NoError(t, err)
				results[i] = val
			}(i)
		}
		wg.Wait()

		assert.Less(t, fetches.Load(), int64(callers))
		for _, r := range results {
			assert.JSONEq(t, `{"hot":true}`, string(r))
		}
	})

	t.Run("fetch error propagates without write-back", func(t *testing.T) {
		f := newFakeRedis()
		c := newTestClient(f)

		boom := errors.New("source down")
		_, err := c.GetAside(ctx, "bad", func(ctx context.Context) ([]byte, error) {
			return nil, boom
		}, time.Minute)
		require.ErrorIs(t, err, boom)
		_, ok := c.Get(ctx, "bad")
		assert.False(t, ok)
	})
}

func TestClient_HealthCheck(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	c := newTestClient(f)

	h := c.HealthCheck(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, resilience.BreakerClosed, h.BreakerState)

	f.failing = true
	h = c.HealthCheck(ctx)
	assert.Equal(t, "unhealthy", h.Status)
	assert.NotEmpty(t, h.Error)
}

func TestClient_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	c := newTestClient(f)
	c.cfg.KeyPrefix = "svc:"

	require.True(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok := f.data["svc:k"]
	assert.True(t, ok)
}
