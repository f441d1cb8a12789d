package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"devpath/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AttemptLimiter 管理员密钥校验的尝试次数限制
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const limiterIdleExpiry = time.Hour

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter 进程内按 key 的令牌桶
type LocalLimiter struct {
	rate  rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleExpiry {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleExpiry {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

if interval_ms > 0 then
  local elapsed = math.max(0, now_ms - last_refill)
  local intervals = math.floor(elapsed / interval_ms)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + intervals)
    last_refill = last_refill + (intervals * interval_ms)
  end
end

local allowed = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens }
`)

// RedisLimiter 多实例共享的令牌桶；redis 不可用时退回本地限流
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	capacity int
	interval time.Duration
	fallback *LocalLimiter
	log      *logger.Logger
}

func NewRedisLimiter(client *redis.Client, perSecond float64, burst int, log *logger.Logger) *RedisLimiter {
	if burst <= 0 {
		burst = 1
	}
	interval := time.Second
	if perSecond > 0 {
		interval = time.Duration(float64(time.Second) / perSecond)
	}
	return &RedisLimiter{
		client:   client,
		prefix:   "devpath:adminkey",
		capacity: burst,
		interval: interval,
		fallback: NewLocalLimiter(perSecond, burst),
		log:      log.Named("limiter"),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ttl := int64(math.Ceil((l.interval * time.Duration(l.capacity)).Seconds())) + 60
	vals, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + ":" + key},
		time.Now().UnixMilli(), l.capacity, l.interval.Milliseconds(), ttl).Result()
	if err != nil {
		l.log.Warn("redis limiter unavailable, using local bucket", zap.String("key", key), zap.Error(err))
		return l.fallback.Allow(ctx, key)
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return false, fmt.Errorf("limiter: unexpected script result %#v", vals)
	}
	return asInt64(arr[0]) == 1, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
