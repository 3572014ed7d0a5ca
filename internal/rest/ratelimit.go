package rest

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate-limit metadata headers.
const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerRetryAfter = "Retry-After"
)

// majorParams are the path parameters that stay distinct in a bucket key.
// Routes under different channels, guilds, or webhooks have independent
// quotas; every other id collapses to a placeholder.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// BucketKey derives the local rate-limit key for a request. The server may
// later merge keys under its own bucket identifier; until then this key
// names the queue and the quota record.
func BucketKey(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if !isSnowflake(seg) {
			continue
		}
		if i > 0 && majorParams[segments[i-1]] {
			continue
		}
		segments[i] = "{id}"
	}
	return method + ":" + strings.Join(segments, "/")
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// rateLimiter owns the bucket registry, the derived-key aliases, and the
// global pause. It is per-client state, torn down with the client.
type rateLimiter struct {
	global globalState

	// registry guards buckets and aliases together so a merge is atomic.
	registry struct {
		mu      sync.Mutex
		buckets map[string]*bucket
		aliases map[string]string // derived key -> server bucket id
	}
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{}
	rl.registry.buckets = make(map[string]*bucket)
	rl.registry.aliases = make(map[string]string)
	return rl
}

// bucketFor resolves the derived key to its quota record, creating one
// lazily for an unseen route group.
func (rl *rateLimiter) bucketFor(key string) *bucket {
	rl.registry.mu.Lock()
	defer rl.registry.mu.Unlock()
	return rl.bucketForLocked(key)
}

func (rl *rateLimiter) bucketForLocked(key string) *bucket {
	effective := key
	if id, ok := rl.registry.aliases[key]; ok {
		effective = id
	}
	b, ok := rl.registry.buckets[effective]
	if !ok {
		b = newBucket(effective)
		rl.registry.buckets[effective] = b
	}
	return b
}

// observe applies a response's rate-limit headers: records a server bucket
// identifier (merging quota records when two derived keys share one), then
// overwrites the quota with the authoritative values.
func (rl *rateLimiter) observe(key string, h http.Header) {
	rl.registry.mu.Lock()
	if id := h.Get(headerBucket); id != "" && rl.registry.aliases[key] != id {
		rl.registry.aliases[key] = id
		if _, exists := rl.registry.buckets[id]; !exists {
			// First route to report this id: move the derived record
			// under the server's name so later routes share it.
			if local, ok := rl.registry.buckets[key]; ok {
				local.mu.Lock()
				local.key = id
				local.mu.Unlock()
				rl.registry.buckets[id] = local
				delete(rl.registry.buckets, key)
			}
		} else if key != id {
			// The shared record already exists; the derived record is
			// now unreachable and must not linger.
			delete(rl.registry.buckets, key)
		}
	}
	b := rl.bucketForLocked(key)
	rl.registry.mu.Unlock()

	limit, remaining, resetAfter, ok := parseQuotaHeaders(h)
	if ok {
		b.update(limit, remaining, resetAfter)
	}
}

// evictIdle drops quota records untouched since cutoff. Queue workers are
// evicted separately; a request racing the eviction simply recreates the
// bucket.
func (rl *rateLimiter) evictIdle(cutoff time.Time) int {
	rl.registry.mu.Lock()
	defer rl.registry.mu.Unlock()
	evicted := 0
	for key, b := range rl.registry.buckets {
		if b.idleSince(cutoff) {
			delete(rl.registry.buckets, key)
			evicted++
		}
	}
	for derived, id := range rl.registry.aliases {
		if _, ok := rl.registry.buckets[id]; !ok {
			delete(rl.registry.aliases, derived)
		}
	}
	return evicted
}

// parseQuotaHeaders pulls limit/remaining/reset-after out of a response.
// ok is false when the response carries no quota metadata at all.
func parseQuotaHeaders(h http.Header) (limit, remaining int, resetAfter time.Duration, ok bool) {
	limitStr := h.Get(headerLimit)
	remainingStr := h.Get(headerRemaining)
	if limitStr == "" && remainingStr == "" {
		return 0, 0, 0, false
	}
	limit, _ = strconv.Atoi(limitStr)
	remaining, _ = strconv.Atoi(remainingStr)
	if v := h.Get(headerResetAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			resetAfter = time.Duration(secs * float64(time.Second))
		}
	}
	return limit, remaining, resetAfter, true
}

// parseRetryAfter reads the throttle wait from a 429 response. The
// Retry-After header is standard HTTP and carries seconds; the body's
// retry_after field is the API's own shape and carries milliseconds.
func parseRetryAfter(h http.Header, bodyRetryAfterMS float64) time.Duration {
	if v := h.Get(headerRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if bodyRetryAfterMS > 0 {
		return time.Duration(bodyRetryAfterMS * float64(time.Millisecond))
	}
	return time.Second
}
