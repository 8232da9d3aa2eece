/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       Single global token bucket: float tokens refilled by
             elapsed*rps, capped at 2*rps, decremented by 1 on
             every admitted request. One mutex, O(1) per check, no
             async wait — callers get an immediate admit/reject.
Context:     Deliberately NOT the gateway's sliding-window limiter
             (middleware/ratelimit.go tracks a rolling window of
             request timestamps per key); chatgate has exactly one
             upstream to protect, so a single bucket with no
             per-key sharding is the right shape.
Suitability: L3 — a tight hot-path primitive every request passes
             through exactly once.
──────────────────────────────────────────────────────────────
*/

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SharedBucket is an optional distributed backing for the bucket below,
// implemented by redisclient.RateLimiterStore. When set, Acquire prefers
// it over local state so multiple chatgate processes can share one
// bucket; on error it falls back to the local bucket for that call, since
// multi-node coordination is a Non-goal, not a correctness requirement.
type SharedBucket interface {
	TryAcquire(ctx context.Context, rps, capacity float64) (admitted bool, waitHint time.Duration, err error)
}

// Bucket is a global token bucket rate limiter.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	rps        float64
	capacity   float64
	shared     SharedBucket
}

func New(requestsPerSecond int) *Bucket {
	rps := float64(requestsPerSecond)
	if rps <= 0 {
		rps = 1
	}
	return &Bucket{
		tokens:     rps * 2,
		lastRefill: time.Now(),
		rps:        rps,
		capacity:   rps * 2,
	}
}

// SetShared installs a distributed backing store. Must be called before
// any concurrent Acquire calls begin.
func (b *Bucket) SetShared(s SharedBucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shared = s
}

// Acquire refills the bucket for elapsed time, then admits if at least one
// token is available, decrementing by exactly 1. On rejection it returns
// the duration the caller would need to wait for a token to become
// available — it never waits itself.
func (b *Bucket) Acquire() (admitted bool, waitHint time.Duration) {
	b.mu.Lock()
	shared := b.shared
	b.mu.Unlock()

	if shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		admitted, waitHint, err := shared.TryAcquire(ctx, b.rps, b.capacity)
		cancel()
		if err == nil {
			return admitted, waitHint
		}
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rps
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	return false, time.Duration(deficit / b.rps * float64(time.Second))
}
