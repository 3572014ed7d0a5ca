package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL             = "https://discordapp.com/api/v6"
	DefaultGatewayURL          = "wss://gateway.discord.gg"
	DefaultAPITimeout          = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultConnectTimeout      = 10 * time.Second
	DefaultIdentifyInterval    = 5 * time.Second
	DefaultLargeThreshold      = 150
	DefaultEventBufferSize     = 1024
	DefaultBackoffInitial      = 1 * time.Second
	DefaultBackoffFactor       = 2.0
	DefaultBackoffCap          = 60 * time.Second
	DefaultBackoffJitter       = 1 * time.Second
	DefaultBucketTTL           = 10 * time.Minute
	DefaultMaxPipeline         = 4
	DefaultMaxRateLimitRetries = 5
)

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.GatewayURL == "" {
		c.API.GatewayURL = DefaultGatewayURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Gateway.IdentifyInterval == 0 {
		c.Gateway.IdentifyInterval = DefaultIdentifyInterval
	}
	if c.Gateway.LargeThreshold == 0 {
		c.Gateway.LargeThreshold = DefaultLargeThreshold
	}
	if c.Gateway.EventBufferSize == 0 {
		c.Gateway.EventBufferSize = DefaultEventBufferSize
	}
	if c.Gateway.Backoff.Initial == 0 {
		c.Gateway.Backoff.Initial = DefaultBackoffInitial
	}
	if c.Gateway.Backoff.Factor == 0 {
		c.Gateway.Backoff.Factor = DefaultBackoffFactor
	}
	if c.Gateway.Backoff.Cap == 0 {
		c.Gateway.Backoff.Cap = DefaultBackoffCap
	}
	if c.Gateway.Backoff.Jitter == 0 {
		c.Gateway.Backoff.Jitter = DefaultBackoffJitter
	}
	if c.RateLimit.BucketTTL == 0 {
		c.RateLimit.BucketTTL = DefaultBucketTTL
	}
	if c.RateLimit.MaxPipeline == 0 {
		c.RateLimit.MaxPipeline = DefaultMaxPipeline
	}
	if c.RateLimit.MaxRateLimitRetries == 0 {
		c.RateLimit.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
}
