package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// queuedRequest is one REST call from enqueue until completion. The shape
// is fixed at submission; nothing mutates it afterwards.
type queuedRequest struct {
	ctx         context.Context
	id          string
	method      string
	path        string
	body        []byte
	idempotent  bool
	submittedAt time.Time
	reply       chan result
}

type result struct {
	status int
	header http.Header
	body   []byte
	err    error
}

func (r *queuedRequest) finish(res result) {
	r.reply <- res
}

// requestQueue is the per-bucket FIFO dispatcher. One worker per derived
// key keeps calls to a bucket strictly ordered; pipelining opens up only
// when the bucket's remaining quota safely covers it.
type requestQueue struct {
	key     string
	ch      chan *queuedRequest
	pending atomic.Int32 // queued plus in-flight
	lastUse atomic.Int64 // unix nanos
}

func newRequestQueue(key string, depth int) *requestQueue {
	q := &requestQueue{key: key, ch: make(chan *queuedRequest, depth)}
	q.touch()
	return q
}

func (q *requestQueue) touch() {
	q.lastUse.Store(time.Now().UnixNano())
}

func (q *requestQueue) idleSince(cutoff time.Time) bool {
	return q.pending.Load() == 0 && time.Unix(0, q.lastUse.Load()).Before(cutoff)
}

// drain fails every request still waiting in the queue at shutdown.
func (q *requestQueue) drain() {
	for {
		select {
		case r := <-q.ch:
			r.finish(result{err: ErrClientClosed})
			q.pending.Add(-1)
		default:
			return
		}
	}
}

// run services the queue until its channel closes. Requests dispatch
// one at a time unless the bucket has ample remaining quota, in which case
// up to maxPipeline calls overlap.
func (q *requestQueue) run(c *Client) {
	sem := make(chan struct{}, c.maxPipeline)
	for {
		select {
		case <-c.stop:
			q.drain()
			return
		default:
		}

		var req *queuedRequest
		select {
		case <-c.stop:
			q.drain()
			return
		case r, ok := <-q.ch:
			if !ok {
				return
			}
			req = r
		}

		q.touch()
		sem <- struct{}{}
		if c.maxPipeline > 1 && c.limiter.bucketFor(q.key).ample(c.maxPipeline) {
			go func(r *queuedRequest) {
				defer func() {
					<-sem
					q.pending.Add(-1)
				}()
				c.dispatch(q.key, r)
			}(req)
			continue
		}
		c.dispatch(q.key, req)
		<-sem
		q.pending.Add(-1)
	}
}

// dispatch runs the rate-limit algorithm for one request: wait out any
// global pause, take a bucket slot, issue the call, then apply the
// server's authoritative quota. Throttles and transient failures retry in
// place up to their bounds; the queue stays ordered because the worker
// does not move on until this returns (tight-quota path).
func (c *Client) dispatch(key string, req *queuedRequest) {
	logger := c.logger.With(
		"request_id", req.id,
		"bucket", key,
		"method", req.method,
		"path", req.path,
	)

	var rlAttempts, transientAttempts int
	for {
		if err := req.ctx.Err(); err != nil {
			req.finish(result{err: err})
			return
		}
		if err := c.limiter.global.wait(req.ctx); err != nil {
			req.finish(result{err: err})
			return
		}
		b := c.limiter.bucketFor(key)
		if err := b.acquire(req.ctx); err != nil {
			req.finish(result{err: err})
			return
		}

		res, err := c.roundTrip(req)
		if err != nil {
			if req.idempotent && isTransient(err) && req.ctx.Err() == nil && transientAttempts < c.maxRetries {
				transientAttempts++
				logger.Warn("transient request failure, retrying",
					"attempt", transientAttempts, "error", err)
				continue
			}
			req.finish(result{err: err})
			return
		}

		c.limiter.observe(key, res.header)

		if res.status == http.StatusTooManyRequests {
			var body struct {
				Message    string  `json:"message"`
				RetryAfter float64 `json:"retry_after"`
				Global     bool    `json:"global"`
			}
			json.Unmarshal(res.body, &body)
			wait := parseRetryAfter(res.header, body.RetryAfter)
			global := body.Global || res.header.Get(headerGlobal) == "true"
			if global {
				c.limiter.global.pause(wait)
			} else {
				// observe may have just merged this key under a server
				// bucket id; re-resolve so the penalty lands on the
				// record the next acquire will read.
				c.limiter.bucketFor(key).penalize(wait)
			}

			rlAttempts++
			if rlAttempts > c.maxRateLimitRetries {
				req.finish(result{err: &RateLimitError{
					BucketKey:  key,
					RetryAfter: wait,
					Global:     global,
					Attempts:   rlAttempts,
				}})
				return
			}
			logger.Warn("rate limited, requeueing",
				"global", global, "retry_after", wait, "attempt", rlAttempts)
			continue
		}

		logger.Debug("request complete",
			"status", res.status, "queued", time.Since(req.submittedAt))
		req.finish(res)
		return
	}
}

// isTransient reports whether an HTTP transport error is worth retrying
// for an idempotent call. Only per-attempt timeouts qualify.
func isTransient(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Timeout() || uerr.Temporary()
	}
	return false
}
