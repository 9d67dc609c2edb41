package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps AI invocations per conversation per hour.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, conversationID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("chatwire:ratelimit:%d:%s", conversationID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// JobDeduplicator guards against enqueueing the same AI pass twice for one
// message while a previous attempt is still in flight.
type JobDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewJobDeduplicator(rdb *redis.Client, ttl time.Duration) *JobDeduplicator {
	return &JobDeduplicator{redis: rdb, ttl: ttl}
}

func (d *JobDeduplicator) MarkFirst(ctx context.Context, messageID int64, kind string) (bool, error) {
	key := fmt.Sprintf("chatwire:job:%s:%d", kind, messageID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Clear releases the dedupe guard once the job reached a terminal state.
func (d *JobDeduplicator) Clear(ctx context.Context, messageID int64, kind string) error {
	key := fmt.Sprintf("chatwire:job:%s:%d", kind, messageID)
	if err := d.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}
