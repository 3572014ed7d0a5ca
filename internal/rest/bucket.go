package rest

import (
	"context"
	"sync"
	"time"
)

// bucket is the quota record for one route group. All fields are guarded
// by mu; scheduling reads and the optimistic decrement happen under the
// same lock so two queues sharing a merged bucket cannot race it below
// zero.
type bucket struct {
	mu        sync.Mutex
	key       string
	limit     int
	remaining int
	resetAt   time.Time
	lastUsed  time.Time
}

func newBucket(key string) *bucket {
	// Until the first response arrives the quota is unknown; a single
	// optimistic slot keeps the first call serialized.
	return &bucket{key: key, limit: 1, remaining: 1, lastUsed: time.Now()}
}

// acquire blocks until the bucket can admit one call, then takes the slot.
func (b *bucket) acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.lastUsed = now
		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			return nil
		}
		if !b.resetAt.After(now) {
			// Quota window elapsed; refresh and take one slot.
			b.remaining = b.limit - 1
			if b.remaining < 0 {
				b.remaining = 0
			}
			b.mu.Unlock()
			return nil
		}
		wait := b.resetAt.Sub(now)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// update applies authoritative values from response headers, replacing the
// optimistic local guess.
func (b *bucket) update(limit, remaining int, resetAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit > 0 {
		b.limit = limit
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > b.limit {
		remaining = b.limit
	}
	b.remaining = remaining
	if resetAfter > 0 {
		b.resetAt = time.Now().Add(resetAfter)
	}
	b.lastUsed = time.Now()
}

// penalize empties the bucket until retryAfter has elapsed. Used on a
// bucket-scoped throttle response.
func (b *bucket) penalize(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.resetAt = time.Now().Add(retryAfter)
	b.lastUsed = time.Now()
}

// ample reports whether the bucket can pipeline n calls without risking
// over-issue.
func (b *bucket) ample(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining >= n
}

// idleSince reports whether the bucket has been untouched since cutoff.
func (b *bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed.Before(cutoff)
}

// snapshot returns the current quota values for stats and tests.
func (b *bucket) snapshot() (limit, remaining int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit, b.remaining, b.resetAt
}

// globalState is the all-routes pause shared across every bucket. When the
// deadline is in the future no request dispatches anywhere.
type globalState struct {
	mu    sync.Mutex
	until time.Time
}

// wait blocks until any active global pause has elapsed.
func (g *globalState) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		until := g.until
		g.mu.Unlock()

		now := time.Now()
		if !until.After(now) {
			return nil
		}
		timer := time.NewTimer(until.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pause holds all dispatch for d. A longer pause already in place wins.
func (g *globalState) pause(d time.Duration) {
	deadline := time.Now().Add(d)
	g.mu.Lock()
	if deadline.After(g.until) {
		g.until = deadline
	}
	g.mu.Unlock()
}

// pausedUntil reports the active pause deadline, if any.
func (g *globalState) pausedUntil() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.until.After(time.Now()) {
		return g.until, true
	}
	return time.Time{}, false
}
