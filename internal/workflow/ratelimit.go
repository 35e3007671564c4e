package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a workflow's per-day execution cap.
// CanExecuteToday is an advisory read, cheap enough to run before the
// other admission gates without consuming anything. Acquire claims one
// slot atomically and is the call that actually holds the cap under
// concurrent admissions.
type RateLimiter interface {
	CanExecuteToday(ctx context.Context, w *Workflow) (bool, error)
	Acquire(ctx context.Context, w *Workflow) (bool, error)
}

// StoreRateLimiter counts executions in the workflow row itself. The
// counter resets lazily: a stale executions_today_date means zero used
// today.
type StoreRateLimiter struct {
	store Store
	clock Clock
}

func NewStoreRateLimiter(store Store, clock Clock) *StoreRateLimiter {
	if clock == nil {
		clock = SystemClock
	}
	return &StoreRateLimiter{store: store, clock: clock}
}

func (l *StoreRateLimiter) CanExecuteToday(_ context.Context, w *Workflow) (bool, error) {
	return w.CanExecuteToday(DateOf(l.clock.Now())), nil
}

func (l *StoreRateLimiter) Acquire(ctx context.Context, w *Workflow) (bool, error) {
	today := DateOf(l.clock.Now())
	count, ok, err := l.store.IncrementExecutionsToday(ctx, w.ID, today)
	if err != nil {
		return false, fmt.Errorf("acquire daily slot: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.ExecutionsToday = count
	w.ExecutionsTodayDate = today
	return true, nil
}

// RedisRateLimiter keeps per-day counters in Redis so multiple engine
// instances share one cap. Keys expire two days after creation; the
// date in the key makes stale counters unreachable before that.
type RedisRateLimiter struct {
	rdb   *redis.Client
	clock Clock
}

func NewRedisRateLimiter(rdb *redis.Client, clock Clock) *RedisRateLimiter {
	if clock == nil {
		clock = SystemClock
	}
	return &RedisRateLimiter{rdb: rdb, clock: clock}
}

func (l *RedisRateLimiter) key(workflowID string) string {
	return fmt.Sprintf("wf:ratelimit:%s:%s", workflowID, DateOf(l.clock.Now()))
}

func (l *RedisRateLimiter) CanExecuteToday(ctx context.Context, w *Workflow) (bool, error) {
	if w.MaxExecutionsPerDay == nil {
		return true, nil
	}
	count, err := l.rdb.Get(ctx, l.key(w.ID)).Int()
	if err == redis.Nil {
		return *w.MaxExecutionsPerDay > 0, nil
	}
	if err != nil {
		return false, fmt.Errorf("read daily counter: %w", err)
	}
	return count < *w.MaxExecutionsPerDay, nil
}

// Acquire increments first and gives the slot back when the result
// lands past the cap, so two admissions racing at cap-1 can never both
// win.
func (l *RedisRateLimiter) Acquire(ctx context.Context, w *Workflow) (bool, error) {
	key := l.key(w.ID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("increment daily counter: %w", err)
	}
	if w.MaxExecutionsPerDay != nil && incr.Val() > int64(*w.MaxExecutionsPerDay) {
		if err := l.rdb.Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("release daily slot: %w", err)
		}
		return false, nil
	}
	return true, nil
}
