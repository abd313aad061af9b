package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy is the ordinary per-actor rate limit that stays active while the
// gate is accepting. It is unrelated to backpressure: backpressure rejects
// everything, the limiter only shaves bursts.
type Policy struct {
	RPS   float64
	Burst int
}

// LimiterStore answers whether one actor may spend the given cost now.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per actor in process memory.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryLimiterStore creates an empty store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes cost tokens from the actor's bucket.
func (s *MemoryLimiterStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)
		s.limiters[actorID] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so every
// instance sharing the store sees one bucket per actor.
// KEYS[1] = bucket key, ARGV = rate, capacity, cost, now (unix seconds).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiterStore shares token buckets across instances via Redis.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore creates a store over the given Redis endpoint.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Allow executes the bucket script for the actor.
func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("guardrail:limiter:%s", actorID)

	ratePerSec := policy.RPS
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key},
		ratePerSec, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("gate: redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("gate: unexpected limiter script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
