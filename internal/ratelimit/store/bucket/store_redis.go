package bucket

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"medgate/internal/ratelimit/models"
	dErrors "medgate/pkg/domain-errors"
)

const redisKeyPrefix = "rl:"

// Sliding window over a sorted set: prune aged members, check cardinality,
// admit atomically. Scores and cutoffs are unix milliseconds.
var luaAllow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  count = count + 1
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {1, count, oldest[2]}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, count, oldest[2]}
`)

var luaPeek = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count == 0 then
  return {0, '0'}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {count, oldest[2]}
`)

// RedisStore implements the sliding window over Redis so multiple gateway
// instances share one budget per key. Atomicity comes from the server-side
// scripts instead of per-shard locks.
type RedisStore struct {
	rc *redis.Client
}

// NewRedisStore wraps an established go-redis client.
func NewRedisStore(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := time.Now()
	cutoff := now.Add(-window).UnixMilli()
	// Member must be unique per admission; two requests can share a
	// millisecond score.
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	res, err := luaAllow.Run(ctx, s.rc, []string{redisKeyPrefix + key},
		cutoff, limit, now.UnixMilli(), member, window.Milliseconds()).Slice()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "redis rate limit check failed")
	}
	if len(res) != 3 {
		return nil, dErrors.New(dErrors.CodeInternal, "unexpected redis script reply")
	}

	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))
	reset := scoreToTime(res[2], now).Add(window)

	if allowed {
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		return &models.Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: remaining,
			ResetAt:   reset,
		}, nil
	}

	return &models.Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: ceilSeconds(reset.Sub(now)),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := time.Now()
	cutoff := now.Add(-window).UnixMilli()

	res, err := luaPeek.Run(ctx, s.rc, []string{redisKeyPrefix + key}, cutoff).Slice()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "redis rate limit peek failed")
	}
	if len(res) != 2 {
		return nil, dErrors.New(dErrors.CodeInternal, "unexpected redis script reply")
	}

	count := int(toInt64(res[0]))
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := &models.Result{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
	if count > 0 {
		reset := scoreToTime(res[1], now).Add(window)
		result.ResetAt = reset
		if !result.Allowed {
			result.RetryAfter = ceilSeconds(reset.Sub(now))
		}
	}
	return result, nil
}

// Forget drops the most recent admission for a key.
func (s *RedisStore) Forget(ctx context.Context, key string) error {
	if err := s.rc.ZRemRangeByRank(ctx, redisKeyPrefix+key, -1, -1).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "redis rate limit forget failed")
	}
	return nil
}

// Reset deletes the bucket for a key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rc.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "redis rate limit reset failed")
	}
	return nil
}

// Sweep is a no-op for Redis: PEXPIRE on each bucket already bounds memory.
func (s *RedisStore) Sweep(context.Context, time.Time) int { return 0 }

// Stats counts live buckets with a bounded SCAN. Best-effort only.
func (s *RedisStore) Stats(ctx context.Context) models.StoreStats {
	var cursor uint64
	buckets := 0
	for {
		keys, next, err := s.rc.Scan(ctx, cursor, redisKeyPrefix+"*", 1000).Result()
		if err != nil {
			break
		}
		buckets += len(keys)
		cursor = next
		if cursor == 0 || buckets >= 100000 {
			break
		}
	}
	return models.StoreStats{Buckets: buckets}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func scoreToTime(v any, fallback time.Time) time.Time {
	ms := toInt64(v)
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}
