package config

import "time"

// Config is the root configuration for a client instance.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIConfig holds REST endpoint and credential settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	GatewayURL string        `yaml:"gateway_url"`
	Token      string        `yaml:"token"` // bot token, opaque; usually ${DISCORD_TOKEN}
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// GatewayConfig holds gateway connection settings.
type GatewayConfig struct {
	// ShardCount of 0 means use the count suggested by GET /gateway/bot.
	ShardCount       int           `yaml:"shard_count"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	IdentifyInterval time.Duration `yaml:"identify_interval"`
	LargeThreshold   int           `yaml:"large_threshold"`
	EventBufferSize  int           `yaml:"event_buffer_size"`
	// DisableCompression turns off transport-level compression; the
	// gateway then sends plain JSON text frames.
	DisableCompression bool          `yaml:"disable_compression"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls the reconnect delay curve.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Factor  float64       `yaml:"factor"`
	Cap     time.Duration `yaml:"cap"`
	Jitter  time.Duration `yaml:"jitter"` // max random addition per attempt
}

// RateLimitConfig holds REST rate-limit governor settings.
type RateLimitConfig struct {
	BucketTTL           time.Duration `yaml:"bucket_ttl"`
	MaxPipeline         int           `yaml:"max_pipeline"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries"`
}
