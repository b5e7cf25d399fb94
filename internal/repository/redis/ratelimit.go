package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// purchaseWindow keeps one sorted-set member per accepted attempt, scored by
// its time in milliseconds. Rejected attempts are not recorded, so a caller
// that keeps retrying is unblocked as soon as its oldest accepted attempt
// leaves the window.
//
// KEYS[1] window key
// ARGV    now_ms, window_ms, limit, member
// returns {allowed, in_window, retry_after_ms}
var purchaseWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

local used = redis.call('ZCARD', KEYS[1])
if used >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = math.max(tonumber(oldest[2]) + window - now, 0)
  end
  return {0, used, retry}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, used + 1, 0}
`)

// Decision is the limiter's verdict on one attempt.
type Decision struct {
	Allowed    bool
	InWindow   int64
	RetryAfter time.Duration
}

// SlidingWindowLimiter caps attempts per caller over a rolling window shared
// by every instance.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewSlidingWindowLimiter(rdb *redis.Client, scope string, limit int, window time.Duration) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &SlidingWindowLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records an attempt by caller if it fits the window.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, caller string) (Decision, error) {
	const op = "redis.SlidingWindowLimiter.Allow"

	reply, err := purchaseWindow.Run(
		ctx,
		l.rdb,
		[]string{KeyRateLimit(l.scope, caller)},
		l.now().UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%s:%w", op, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("%s: unexpected reply of %d elements", op, len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		InWindow:   reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
