package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calebgardner/discordlink/internal/version"
)

const (
	defaultBaseURL    = "https://discordapp.com/api/v6"
	defaultTimeout    = 30 * time.Second
	defaultQueueDepth = 64

	defaultMaxRetries          = 3
	defaultMaxRateLimitRetries = 5
	defaultMaxPipeline         = 1
	defaultBucketTTL           = 10 * time.Minute
)

// Client issues REST calls through the rate-limit governor. Every call is
// keyed to a quota bucket and dispatched by that bucket's FIFO queue; the
// caller only sees the final outcome.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rateLimiter

	maxRetries          int
	maxRateLimitRetries int
	maxPipeline         int
	bucketTTL           time.Duration

	mu     sync.Mutex
	queues map[string]*requestQueue
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used by tests and proxies.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries bounds retries of timed-out idempotent calls.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRateLimitRetries bounds how many times a throttled request is
// requeued before the rate-limit error surfaces to the caller.
func WithRateLimitRetries(n int) Option {
	return func(c *Client) { c.maxRateLimitRetries = n }
}

// WithMaxPipeline allows up to n overlapping calls on a bucket whose
// remaining quota covers them. 1 keeps every bucket strictly serial.
func WithMaxPipeline(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.maxPipeline = n
		}
	}
}

// WithBucketTTL sets how long an idle bucket survives before eviction.
func WithBucketTTL(d time.Duration) Option {
	return func(c *Client) { c.bucketTTL = d }
}

// NewClient creates a REST client. The token may be empty for the few
// unauthenticated routes.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:             defaultBaseURL,
		token:               token,
		userAgent:           "discordlink/" + version.Version,
		httpClient:          &http.Client{Timeout: defaultTimeout},
		logger:              slog.Default(),
		limiter:             newRateLimiter(),
		maxRetries:          defaultMaxRetries,
		maxRateLimitRetries: defaultMaxRateLimitRetries,
		maxPipeline:         defaultMaxPipeline,
		bucketTTL:           defaultBucketTTL,
		queues:              make(map[string]*requestQueue),
		stop:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "rest_client")
	go c.janitor()
	return c
}

// Do issues one REST call through the governor. body is JSON-encoded when
// non-nil; a 2xx response body is decoded into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	req := &queuedRequest{
		ctx:         ctx,
		id:          uuid.NewString(),
		method:      method,
		path:        path,
		body:        encoded,
		idempotent:  methodIdempotent(method),
		submittedAt: time.Now(),
		reply:       make(chan result, 1),
	}

	key := BucketKey(method, path)
	if err := c.enqueue(key, req); err != nil {
		return err
	}

	var res result
	select {
	case res = <-req.reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		// Take a reply that raced the shutdown; otherwise the request
		// is abandoned and the caller must not block.
		select {
		case res = <-req.reply:
		default:
			return ErrClientClosed
		}
	}
	if res.err != nil {
		return res.err
	}

	if res.status >= 400 {
		apiErr := &APIError{StatusCode: res.status}
		json.Unmarshal(res.body, apiErr)
		return apiErr
	}
	if out != nil && len(res.body) > 0 {
		if err := json.Unmarshal(res.body, out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

// enqueue hands the request to its bucket's queue, creating the queue and
// its worker on first use.
func (c *Client) enqueue(key string, req *queuedRequest) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	q, ok := c.queues[key]
	if !ok {
		q = newRequestQueue(key, defaultQueueDepth)
		c.queues[key] = q
		go q.run(c)
	}
	q.pending.Add(1)
	c.mu.Unlock()

	select {
	case q.ch <- req:
		return nil
	case <-req.ctx.Done():
		q.pending.Add(-1)
		return req.ctx.Err()
	case <-c.stop:
		q.pending.Add(-1)
		return ErrClientClosed
	default:
		q.pending.Add(-1)
		return ErrQueueFull
	}
}

// roundTrip performs the actual HTTP exchange for one attempt.
func (c *Client) roundTrip(req *queuedRequest) (result, error) {
	var body io.Reader
	if len(req.body) > 0 {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(req.ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return result{}, err
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bot "+c.token)
	}
	if len(req.body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("X-RateLimit-Precision", "millisecond")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return result{}, err
	}
	return result{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// janitor evicts idle buckets and queues on a fraction of the TTL.
func (c *Client) janitor() {
	interval := c.bucketTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.bucketTTL)
			evicted := c.limiter.evictIdle(cutoff)

			c.mu.Lock()
			for key, q := range c.queues {
				if q.idleSince(cutoff) {
					close(q.ch)
					delete(c.queues, key)
					evicted++
				}
			}
			c.mu.Unlock()

			if evicted > 0 {
				c.logger.Debug("evicted idle buckets", "count", evicted)
			}
		}
	}
}

// GlobalPause reports the active all-routes pause deadline, if any.
func (c *Client) GlobalPause() (time.Time, bool) {
	return c.limiter.global.pausedUntil()
}

// Close stops the governor. In-flight calls drain on their own; new calls
// fail with ErrClientClosed.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
	})
}

func methodIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}
