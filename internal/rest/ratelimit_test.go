package rest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketKeyDerivation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{
			name:   "channel id is major",
			method: "GET",
			path:   "/channels/123456789/messages",
			want:   "GET:channels/123456789/messages",
		},
		{
			name:   "message id collapses",
			method: "DELETE",
			path:   "/channels/123456789/messages/987654321",
			want:   "DELETE:channels/123456789/messages/{id}",
		},
		{
			name:   "guild id is major",
			method: "GET",
			path:   "/guilds/42/members/7",
			want:   "GET:guilds/42/members/{id}",
		},
		{
			name:   "webhook id is major",
			method: "POST",
			path:   "/webhooks/555/token-abc",
			want:   "POST:webhooks/555/token-abc",
		},
		{
			name:   "method distinguishes buckets",
			method: "POST",
			path:   "/channels/123456789/messages",
			want:   "POST:channels/123456789/messages",
		},
		{
			name:   "no ids",
			method: "GET",
			path:   "/gateway/bot",
			want:   "GET:gateway/bot",
		},
		{
			name:   "query string ignored",
			method: "GET",
			path:   "/channels/55/messages?limit=50",
			want:   "GET:channels/55/messages",
		},
		{
			name:   "user id collapses",
			method: "GET",
			path:   "/users/123456789",
			want:   "GET:users/{id}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketKey(tt.method, tt.path))
		})
	}
}

func TestParseQuotaHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(headerLimit, "5")
	h.Set(headerRemaining, "3")
	h.Set(headerResetAfter, "2.5")

	limit, remaining, resetAfter, ok := parseQuotaHeaders(h)
	require.True(t, ok)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 3, remaining)
	assert.Equal(t, 2500*time.Millisecond, resetAfter)

	_, _, _, ok = parseQuotaHeaders(http.Header{})
	assert.False(t, ok)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set(headerRetryAfter, "1.2")
	assert.Equal(t, 1200*time.Millisecond, parseRetryAfter(h, 5000), "header seconds win over the body")

	assert.Equal(t, 800*time.Millisecond, parseRetryAfter(http.Header{}, 800), "body carries milliseconds")
	assert.Equal(t, 2*time.Second, parseRetryAfter(http.Header{}, 2000))
	assert.Equal(t, time.Second, parseRetryAfter(http.Header{}, 0))
}

func TestBucketRemainingClamps(t *testing.T) {
	b := newBucket("k")
	b.update(5, -3, time.Second)
	limit, remaining, _ := b.snapshot()
	assert.Equal(t, 5, limit)
	assert.Equal(t, 0, remaining, "remaining never goes negative")

	b.update(5, 50, time.Second)
	_, remaining, _ = b.snapshot()
	assert.Equal(t, 5, remaining, "remaining never exceeds limit")
}

func TestBucketAcquireRefreshesAfterReset(t *testing.T) {
	b := newBucket("k")
	b.update(3, 0, 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, b.acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"empty bucket must wait for reset")

	_, remaining, _ := b.snapshot()
	assert.Equal(t, 2, remaining, "refresh to limit minus the taken slot")
}

func TestBucketAcquireCancellable(t *testing.T) {
	b := newBucket("k")
	b.update(1, 0, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGlobalPauseDominates(t *testing.T) {
	var g globalState
	g.pause(100 * time.Millisecond)

	_, active := g.pausedUntil()
	assert.True(t, active)

	start := time.Now()
	require.NoError(t, g.wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// A shorter pause never shortens an active one.
	g.pause(time.Hour)
	g.pause(time.Millisecond)
	until, active := g.pausedUntil()
	require.True(t, active)
	assert.Greater(t, time.Until(until), 30*time.Minute)
}

func TestRateLimiterMergesBucketsByServerID(t *testing.T) {
	rl := newRateLimiter()

	h := http.Header{}
	h.Set(headerBucket, "shared-id")
	h.Set(headerLimit, "10")
	h.Set(headerRemaining, "9")
	h.Set(headerResetAfter, "60")

	// Dispatch resolves a derived record per key before any headers arrive.
	rl.bucketFor("GET:channels/1/messages")
	rl.bucketFor("GET:channels/2/messages")

	rl.observe("GET:channels/1/messages", h)
	rl.observe("GET:channels/2/messages", h)

	b1 := rl.bucketFor("GET:channels/1/messages")
	b2 := rl.bucketFor("GET:channels/2/messages")
	assert.Same(t, b1, b2, "keys sharing a server bucket id share one quota record")

	rl.registry.mu.Lock()
	records := len(rl.registry.buckets)
	rl.registry.mu.Unlock()
	assert.Equal(t, 1, records, "merging must not leave the derived records behind")

	// A key that never reported the id keeps its own record.
	b3 := rl.bucketFor("GET:gateway")
	assert.NotSame(t, b1, b3)
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	rl := newRateLimiter()
	rl.bucketFor("GET:gateway")
	count := rl.evictIdle(time.Now().Add(time.Minute))
	assert.Equal(t, 1, count)

	rl.bucketFor("GET:gateway")
	count = rl.evictIdle(time.Now().Add(-time.Minute))
	assert.Zero(t, count)
}
