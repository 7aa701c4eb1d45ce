package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPrefix = "skillgate:rl:"

// slidingLog trims, counts and records one hit atomically.
// KEYS[1] = log key; ARGV = now ms, window ms, count, member.
// Returns {allowed, remaining, retry_after_ms}.
var slidingLog = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end
local edge = redis.call('ZRANGE', key, count - limit, count - limit, 'WITHSCORES')
local retry = tonumber(edge[2]) + window - now
if retry < 1 then retry = 1 end
return {0, 0, retry}
`)

// Redis is a sliding-window log shared by every process using the same
// Redis database.
type Redis struct {
	rdb    *redis.Client
	now    func() time.Time
	logger *zap.Logger
}

// NewRedis connects to redisURL.
func NewRedis(redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFromClient(rdb, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, now: time.Now, logger: logger}
}

func (r *Redis) TryAcquire(ctx context.Context, k Key, limit *Limit) (Result, error) {
	if limit == nil {
		return unlimited, nil
	}
	if err := limit.check(k); err != nil {
		return Result{}, err
	}
	if limit.Count <= 0 {
		return Result{Allowed: false, RetryAfter: limit.Window}, nil
	}
	window := max(limit.Window.Milliseconds(), 1)

	out, err := slidingLog.Run(ctx, r.rdb, []string{redisPrefix + k.String()},
		r.now().UnixMilli(), window, limit.Count, uuid.NewString()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("acquire %s: %w", k, err)
	}
	if len(out) != 3 {
		return Result{}, fmt.Errorf("acquire %s: unexpected reply %v", k, out)
	}

	res := Result{
		Allowed:    out[0] == 1,
		Remaining:  int(out[1]),
		RetryAfter: time.Duration(out[2]) * time.Millisecond,
	}
	if !res.Allowed {
		r.logger.Debug("rate limit reached",
			zap.String("key", k.String()),
			zap.Duration("retry_after", res.RetryAfter))
	}
	return res, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
