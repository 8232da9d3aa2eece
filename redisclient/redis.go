/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Thin wrapper over *redis.Client plus two optional
             distributed backing stores — a Lua-scripted token
             bucket for the global rate limiter and a sorted-set
             sliding window for the brute-force guard — so a
             multi-process chatgate deployment can share admission
             state instead of each process enforcing its own.
Context:     Keeps the gateway's own redisclient.New/Ping shape
             (parse URL, build client, short-timeout ping) but adds
             the two stores spec.md's Non-goals explicitly leave
             optional: multi-node coordination is not required for
             correctness, only offered.
Suitability: L3 — best-effort distributed state; every method here
             has a local in-memory fallback on the caller side.
──────────────────────────────────────────────────────────────
*/

package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a single redis.Client connection.
type Client struct {
	rdb *redis.Client
}

// New parses rawURL (a redis:// or rediss:// URL) and returns a client.
// The connection itself is lazy; callers should Ping to verify
// reachability before relying on it.
func New(rawURL string) (*Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: invalid url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Raw exposes the underlying client for constructing the shared stores
// below. Kept separate from New so ratelimit/bruteforce never import
// go-redis directly.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// tokenBucketScript atomically refills and admits against one Redis hash
// key, mirroring ratelimit.Bucket's own refill-then-decrement algorithm so
// a shared bucket behaves identically to the in-process one.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rps = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000.0
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rps
if tokens > capacity then tokens = capacity end

local admitted = 0
if tokens >= 1 then
  tokens = tokens - 1
  admitted = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "ts", tostring(now))
redis.call("EXPIRE", key, 3600)

return {admitted, tostring(tokens)}
`)

// RateLimiterStore is the distributed counterpart of ratelimit.Bucket,
// backing one shared key per deployment.
type RateLimiterStore struct {
	rdb *redis.Client
	key string
}

func NewRateLimiterStore(rdb *redis.Client, key string) *RateLimiterStore {
	return &RateLimiterStore{rdb: rdb, key: key}
}

// TryAcquire runs the Lua token-bucket script and reports admission the
// same way ratelimit.Bucket.Acquire does: admit-or-reject, never wait.
func (s *RateLimiterStore) TryAcquire(ctx context.Context, rps, capacity float64) (admitted bool, waitHint time.Duration, err error) {
	now := float64(time.Now().UnixMilli())
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{s.key}, rps, capacity, now).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redisclient: token bucket script: %w", err)
	}
	if len(res) < 1 {
		return false, 0, fmt.Errorf("redisclient: unexpected script result")
	}
	admittedInt, _ := res[0].(int64)
	if admittedInt == 1 {
		return true, 0, nil
	}
	tokens := 0.0
	if len(res) > 1 {
		if s, ok := res[1].(string); ok {
			tokens, _ = strconv.ParseFloat(s, 64)
		}
	}
	return false, time.Duration((1 - tokens) / rps * float64(time.Second)), nil
}

// BruteForceStore is the distributed counterpart of bruteforce.Guard,
// using a Redis sorted set per (username, ip) key: members are failure
// timestamps, scored by the same timestamp, pruned on every access.
type BruteForceStore struct {
	rdb    *redis.Client
	prefix string
}

func NewBruteForceStore(rdb *redis.Client, prefix string) *BruteForceStore {
	return &BruteForceStore{rdb: rdb, prefix: prefix}
}

func (s *BruteForceStore) fullKey(key string) string {
	return s.prefix + key
}

func (s *BruteForceStore) prune(ctx context.Context, fullKey string, window time.Duration, now time.Time) error {
	cutoff := now.Add(-window).UnixNano()
	return s.rdb.ZRemRangeByScore(ctx, fullKey, "-inf", fmt.Sprintf("(%d", cutoff)).Err()
}

// RecordFailure appends now as a new member and returns the pruned count.
func (s *BruteForceStore) RecordFailure(ctx context.Context, key string, window time.Duration) (int, error) {
	fullKey := s.fullKey(key)
	now := time.Now()

	if err := s.prune(ctx, fullKey, window, now); err != nil {
		return 0, err
	}
	member := fmt.Sprintf("%d", now.UnixNano())
	if err := s.rdb.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return 0, err
	}
	s.rdb.Expire(ctx, fullKey, window)

	count, err := s.rdb.ZCard(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// ShouldBlock prunes then reports whether the remaining count meets threshold.
func (s *BruteForceStore) ShouldBlock(ctx context.Context, key string, window time.Duration, threshold int) (bool, error) {
	fullKey := s.fullKey(key)
	now := time.Now()

	if err := s.prune(ctx, fullKey, window, now); err != nil {
		return false, err
	}
	count, err := s.rdb.ZCard(ctx, fullKey).Result()
	if err != nil {
		return false, err
	}
	return int(count) >= threshold, nil
}

// Reset deletes every recorded failure for key.
func (s *BruteForceStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.fullKey(key)).Err()
}
