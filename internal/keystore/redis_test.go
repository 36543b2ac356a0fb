package keystore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock.
type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) Now() time.Time           { return time.Unix(0, c.nanos.Load()) }
func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func newTestRedisStore(t *testing.T, mr *miniredis.Miniredis, clock *testClock, reg prometheus.Registerer) *RedisStore {
	t.Helper()

	cfg := DefaultRedisConfig()
	cfg.URL = "redis://" + mr.Addr()
	cfg.Prefix = "test:"
	cfg.ConnectionRetries = 0
	cfg.DialTimeout = time.Second
	cfg.Registerer = reg
	if clock != nil {
		cfg.Now = clock.Now
	}

	store, err := NewRedisStore(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_ValidateKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateKey(ctx, "abc", "alice", 0))
	assert.Equal(t, "alice", mr.HGet("test:key:abc", "owner"))
	assert.Equal(t, "1", mr.HGet("test:key:abc", "active"))

	info, err := store.ValidateKey(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, uint64(0), info.RateLimit)

	info, err = store.ValidateKey(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRedisStore_InactiveKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateKey(ctx, "abc", "alice", 10))
	found, err := store.SetActive(ctx, "abc", false)
	require.NoError(t, err)
	assert.True(t, found)

	info, err := store.ValidateKey(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, info)

	found, err = store.SetActive(ctx, "abc", true)
	require.NoError(t, err)
	assert.True(t, found)
	info, err = store.ValidateKey(ctx, "abc")
	require.NoError(t, err)
	assert.NotNil(t, info)

	found, err = store.SetActive(ctx, "missing", true)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("test:key:missing"))
}

func TestRedisStore_HandWrittenRecord(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)

	mr.HSet("test:key:legacy", "owner", "bob", "rate_limit", "5", "active", "true")
	mr.HSet("test:key:noactive", "owner", "carol", "rate_limit", "5")

	info, err := store.ValidateKey(context.Background(), "legacy")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint64(5), info.RateLimit)

	info, err = store.ValidateKey(context.Background(), "noactive")
	require.NoError(t, err)
	assert.Nil(t, info, "a record without an active flag is not valid")
}

func TestRedisStore_FixedWindowRateLimit(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	clock := newTestClock()
	store := newTestRedisStore(t, mr, clock, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateKey(ctx, "abc", "alice", 2))

	for i := 0; i < 2; i++ {
		info, err := store.ValidateKey(ctx, "abc")
		require.NoError(t, err, "request %d", i+1)
		require.NotNil(t, info)
	}

	info, err := store.ValidateKey(ctx, "abc")
	assert.Nil(t, info)
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	counter := store.windowKey("abc")
	assert.Equal(t, "3", mustGet(t, mr, counter))
	assert.Equal(t, time.Second, mr.TTL(counter))

	clock.Advance(time.Second)
	info, err = store.ValidateKey(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, info)
}

func TestRedisStore_ConcurrentCountingIsAtomic(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, newTestClock(), nil)
	ctx := context.Background()
	require.NoError(t, store.CreateKey(ctx, "abc", "alice", 10))

	var accepted, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := store.ValidateKey(ctx, "abc")
			switch {
			case errors.Is(err, ErrRateLimitExceeded):
				limited.Add(1)
			case err == nil && info != nil:
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), accepted.Load())
	assert.Equal(t, int32(15), limited.Load())
}

func TestRedisStore_DeleteKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)
	ctx := context.Background()

	require.NoError(t, store.CreateKey(ctx, "abc", "alice", 1))

	info, active, err := store.GetKey(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, active)
	assert.Equal(t, uint64(1), info.RateLimit)

	deleted, err := store.DeleteKey(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteKey(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, deleted)

	info, _, err = store.GetKey(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRedisStore_StoreFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	reg := prometheus.NewRegistry()
	store := newTestRedisStore(t, mr, nil, reg)
	mr.SetError("server unavailable")

	info, err := store.ValidateKey(context.Background(), "abc")
	assert.Nil(t, info)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "validate", storeErr.Op)
	assert.Error(t, store.Ping(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.metrics.operations.WithLabelValues("validate", "error")))
}

func TestRedisStore_CancelledContext(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ValidateKey(ctx, "abc")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultRedisConfig()
	cfg.URL = "redis://" + addr
	cfg.ConnectionRetries = 1
	cfg.MaxRetries = -1
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.DialTimeout = 200 * time.Millisecond

	store, err := NewRedisStore(context.Background(), cfg)
	assert.Nil(t, store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis after 2 attempts")
}

func TestRedisStore_InvalidURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultRedisConfig()
	cfg.URL = "ftp://nowhere"

	_, err := NewRedisStore(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}

func TestRedisStore_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr, nil, nil)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	t.Parallel()

	b := newDecorrelatedJitterBackoff(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, b.next(0))

	for attempt := 1; attempt < 20; attempt++ {
		wait := b.next(attempt)
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
		assert.LessOrEqual(t, wait, time.Second)
	}
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
