// ABOUTME: Fixed-window rate limiting for credential and command endpoints
// ABOUTME: Bounded in-memory limiter for single nodes and a Redis limiter for shared state

package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Policy is the request budget per key per window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) normalize() Policy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

type window struct {
	key   string
	count int
	start time.Time
}

// MemoryLimiter keeps at most maxKeys windows. When full, the window that
// started earliest is evicted to admit a new key.
type MemoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	maxKeys int
	entries map[string]*list.Element
	order   *list.List // front = oldest window start
	now     func() time.Time
}

// NewMemoryLimiter creates a bounded in-memory limiter.
func NewMemoryLimiter(policy Policy, maxKeys int) *MemoryLimiter {
	return newMemoryLimiter(policy, maxKeys, time.Now)
}

func newMemoryLimiter(policy Policy, maxKeys int, now func() time.Time) *MemoryLimiter {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	return &MemoryLimiter{
		policy:  policy.normalize(),
		maxKeys: maxKeys,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     now,
	}
}

// Allow counts a request against key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[key]; ok {
		w := elem.Value.(*window)
		if now.Sub(w.start) < l.policy.Window {
			if w.count >= l.policy.Limit {
				return Decision{RetryAfter: l.policy.Window - now.Sub(w.start)}, nil
			}
			w.count++
			return Decision{Allowed: true, Remaining: l.policy.Limit - w.count}, nil
		}
		// Window elapsed: restart it and move to the back.
		w.count = 1
		w.start = now
		l.order.MoveToBack(elem)
		return Decision{Allowed: true, Remaining: l.policy.Limit - 1}, nil
	}

	l.pruneLocked(now)
	for len(l.entries) >= l.maxKeys {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*window).key)
	}
	l.entries[key] = l.order.PushBack(&window{key: key, count: 1, start: now})
	return Decision{Allowed: true, Remaining: l.policy.Limit - 1}, nil
}

// pruneLocked drops windows that have elapsed, oldest first.
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for e := l.order.Front(); e != nil; e = l.order.Front() {
		w := e.Value.(*window)
		if now.Sub(w.start) < l.policy.Window {
			return
		}
		l.order.Remove(e)
		delete(l.entries, w.key)
	}
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// redisWindowScript increments the key and starts its expiry on the first hit.
// Returns {count, remaining ttl in ms}.
var redisWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares fixed windows between gateway replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	policy Policy
}

// NewRedisLimiter creates a limiter storing counters under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string, policy Policy) *RedisLimiter {
	if prefix == "" {
		prefix = "converto:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, policy: policy.normalize()}
}

// Allow counts a request against key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.client == nil {
		return Decision{}, errors.New("redis client is nil")
	}
	windowMS := l.policy.Window.Milliseconds()
	raw, err := redisWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, windowMS).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("running rate limit script: %w", err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script response %T", raw)
	}
	count, err := parseRedisInt64(values[0])
	if err != nil {
		return Decision{}, err
	}
	ttlMS, err := parseRedisInt64(values[1])
	if err != nil {
		return Decision{}, err
	}

	limit := int64(l.policy.Limit)
	if count > limit {
		return Decision{RetryAfter: time.Duration(ttlMS) * time.Millisecond}, nil
	}
	return Decision{Allowed: true, Remaining: int(limit - count)}, nil
}

func parseRedisInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.New("redis response overflows int64")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected redis response type %T", v)
	}
}
