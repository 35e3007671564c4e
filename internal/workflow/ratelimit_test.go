package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestWorkflowCanExecuteToday(t *testing.T) {
	w := &Workflow{}
	assert.True(t, w.CanExecuteToday("2026-09-01"), "no cap means unlimited")

	w.MaxExecutionsPerDay = intPtr(2)
	w.ExecutionsToday = 5
	w.ExecutionsTodayDate = "2026-08-31"
	assert.True(t, w.CanExecuteToday("2026-09-01"), "stale date resets lazily")

	w.ExecutionsTodayDate = "2026-09-01"
	w.ExecutionsToday = 1
	assert.True(t, w.CanExecuteToday("2026-09-01"))
	w.ExecutionsToday = 2
	assert.False(t, w.CanExecuteToday("2026-09-01"))
}

func TestStoreRateLimiter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewStoreRateLimiter(store, clock)

	w := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(2)}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	for i := 0; i < 2; i++ {
		ok, err := limiter.CanExecuteToday(ctx, w)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = limiter.Acquire(ctx, w)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.CanExecuteToday(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok, "cap of 2 reached")
	ok, err = limiter.Acquire(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok, "acquire refuses past the cap")
}

func TestStoreRateLimiterConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewStoreRateLimiter(store, clock)

	w := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(3)}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wCopy := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(3)}
			ok, err := limiter.Acquire(ctx, wCopy)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load(), "racing admissions never overshoot the cap")
	stored, err := store.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ExecutionsToday)
}

func TestStoreRateLimiterLazyReset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(1)}
	require.NoError(t, store.CreateWorkflow(ctx, w))

	day1 := NewStoreRateLimiter(store, FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)})
	ok, err := day1.Acquire(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = day1.CanExecuteToday(ctx, w)
	assert.False(t, ok)

	day2 := NewStoreRateLimiter(store, FixedClock{T: time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)})
	ok, _ = day2.CanExecuteToday(ctx, w)
	assert.True(t, ok, "new day starts a fresh counter")
	ok, err = day2.Acquire(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, w.ExecutionsToday)
}

func newTestRedisLimiter(t *testing.T, clock Clock) *RedisRateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, clock)
}

func TestRedisRateLimiter(t *testing.T) {
	ctx := context.Background()
	clock := FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	limiter := newTestRedisLimiter(t, clock)

	w := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(2)}

	ok, err := limiter.CanExecuteToday(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok, "no counter yet")

	for i := 0; i < 2; i++ {
		ok, err = limiter.Acquire(ctx, w)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err = limiter.CanExecuteToday(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRateLimiterAcquireReleasesOvershoot(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRedisLimiter(t, FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)})

	w := &Workflow{ID: "wf1", MaxExecutionsPerDay: intPtr(1)}

	ok, err := limiter.Acquire(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim bumps the counter past the cap and must give the
	// slot straight back, leaving it at the cap for later checks.
	ok, err = limiter.Acquire(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := limiter.rdb.Get(ctx, limiter.key(w.ID)).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisRateLimiterUncappedWorkflow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestRedisLimiter(t, FixedClock{T: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)})

	w := &Workflow{ID: "wf1"}
	ok, err := limiter.CanExecuteToday(ctx, w)
	require.NoError(t, err)
	assert.True(t, ok)
}
