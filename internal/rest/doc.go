// Package rest issues API calls through a rate-limit governor. Requests
// are grouped into quota buckets derived from their method and route;
// each bucket gets a FIFO queue whose worker consults the shared limiter
// before every dispatch. Throttle responses and the all-routes global
// pause are absorbed internally up to a bounded number of retries.
package rest
