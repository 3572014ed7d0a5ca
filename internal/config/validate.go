package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.Token == "" {
		return errors.New("api.token is required")
	}
	if !strings.HasPrefix(c.API.RestURL, "http://") && !strings.HasPrefix(c.API.RestURL, "https://") {
		return fmt.Errorf("api.rest_url must be an http(s) URL, got %q", c.API.RestURL)
	}
	if !strings.HasPrefix(c.API.GatewayURL, "ws://") && !strings.HasPrefix(c.API.GatewayURL, "wss://") {
		return fmt.Errorf("api.gateway_url must be a ws(s) URL, got %q", c.API.GatewayURL)
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Gateway.ShardCount < 0 {
		return errors.New("gateway.shard_count must be >= 0")
	}
	if c.Gateway.ConnectTimeout <= 0 {
		return errors.New("gateway.connect_timeout must be > 0")
	}
	if c.Gateway.IdentifyInterval <= 0 {
		return errors.New("gateway.identify_interval must be > 0")
	}
	if c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250 {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250, got %d", c.Gateway.LargeThreshold)
	}
	if c.Gateway.Backoff.Factor < 1 {
		return errors.New("gateway.backoff.factor must be >= 1")
	}
	if c.Gateway.Backoff.Initial <= 0 || c.Gateway.Backoff.Cap < c.Gateway.Backoff.Initial {
		return errors.New("gateway.backoff.cap must be >= gateway.backoff.initial")
	}

	if c.RateLimit.MaxPipeline < 1 {
		return errors.New("rate_limit.max_pipeline must be >= 1")
	}
	if c.RateLimit.MaxRateLimitRetries < 1 {
		return errors.New("rate_limit.max_rate_limit_retries must be >= 1")
	}

	return nil
}
