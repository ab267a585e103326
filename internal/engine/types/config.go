package types

import (
	"fmt"
	"net/http"
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// IncompleteSuffix is appended to files while downloading
	IncompleteSuffix = ".part"
)

// Defaults mirror the values the downloader has been tuned to in production.
const (
	DefaultMaxConcurrent = 6
	DefaultRateLimit     = 5
	DefaultRateWindow    = 60 * time.Second
	DefaultChunkSize     = 256 * KB
	DefaultMinFileSize   = 10 * KB
	DefaultFetchTimeout  = 180 * time.Second
	DefaultMaxRetries    = 5
	DefaultRetryDelay    = 10 * time.Second
	DefaultMaxRetryDelay = 60 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffIdle   = 5 * time.Minute
	DefaultCacheTTL      = time.Hour
	DefaultCacheMaxSize  = 64 * MB
	DefaultDedupTTL      = time.Hour

	// MaxChunkBatch caps how many tasks are started together in one batch
	MaxChunkBatch = 10

	MinChunkSize = 1 * KB
)

// HTTP Client Tuning
const (
	DefaultMaxConnsPerHost       = 10
	DefaultMaxGlobalConns        = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
)

// DefaultUserAgent is sent when no user agent is configured
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultRetryStatuses are the response codes treated as transient
var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config holds every tunable the engine consumes. It is built by the
// application layer (see internal/config) and validated once at construction.
type Config struct {
	// Admission control
	RateLimit  int           // requests per window
	RateWindow time.Duration // window length

	// Orchestration
	MaxConcurrent        int
	ChunkSize            int // stream buffer size in bytes
	MinFileSize          int64
	DisableChunkThrottle bool // skip the rate_window/rate_limit pause between batches
	VerifyMediaType      bool // payload must sniff as image/video/audio/archive

	// Transport
	FetchTimeout     time.Duration
	MaxRetries       int // total attempts per fetch, including the first
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	BackoffFactor    float64
	BackoffJitter    bool
	BackoffIdle      time.Duration
	RetryStatuses    []int // 408 and 429 are retried even when absent
	UserAgent        string
	ProxyURL         string
	SkipTLSVerify    bool
	MaxConnsPerHost  int
	MaxGlobalConns   int
	IdleConnTimeout  time.Duration
	CircuitThreshold int // consecutive exhausted fetches before a host is tripped, 0 disables
	CircuitCooldown  time.Duration

	// Cache and de-duplication
	CacheTTL     time.Duration
	CacheMaxSize int64
	DedupTTL     time.Duration
}

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:       DefaultRateLimit,
		RateWindow:      DefaultRateWindow,
		MaxConcurrent:   DefaultMaxConcurrent,
		ChunkSize:       DefaultChunkSize,
		MinFileSize:     DefaultMinFileSize,
		FetchTimeout:    DefaultFetchTimeout,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		MaxRetryDelay:   DefaultMaxRetryDelay,
		BackoffFactor:   DefaultBackoffFactor,
		BackoffJitter:   true,
		BackoffIdle:     DefaultBackoffIdle,
		RetryStatuses:   append([]int(nil), DefaultRetryStatuses...),
		MaxConnsPerHost: DefaultMaxConnsPerHost,
		MaxGlobalConns:  DefaultMaxGlobalConns,
		IdleConnTimeout: DefaultIdleConnTimeout,
		CircuitCooldown: time.Minute,
		CacheTTL:        DefaultCacheTTL,
		CacheMaxSize:    DefaultCacheMaxSize,
		DedupTTL:        DefaultDedupTTL,
	}
}

// Validate rejects values the engine cannot honour. Nothing is clamped.
func (c Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return NewConfigError("validate config", fmt.Errorf(format, args...))
	}

	for _, err := range []error{
		check(c.RateLimit >= 1, "rate limit must be at least 1, got %d", c.RateLimit),
		check(c.RateWindow > 0, "rate window must be positive, got %s", c.RateWindow),
		check(c.MaxConcurrent >= 1, "max concurrent downloads must be at least 1, got %d", c.MaxConcurrent),
		check(c.ChunkSize >= MinChunkSize, "chunk size must be at least %d bytes, got %d", MinChunkSize, c.ChunkSize),
		check(c.MinFileSize >= 0, "min file size must not be negative, got %d", c.MinFileSize),
		check(c.FetchTimeout > 0, "fetch timeout must be positive, got %s", c.FetchTimeout),
		check(c.MaxRetries >= 1, "max retries must be at least 1, got %d", c.MaxRetries),
		check(c.RetryDelay > 0, "retry delay must be positive, got %s", c.RetryDelay),
		check(c.MaxRetryDelay >= c.RetryDelay, "max retry delay %s is below retry delay %s", c.MaxRetryDelay, c.RetryDelay),
		check(c.BackoffFactor >= 1, "backoff factor must be at least 1, got %v", c.BackoffFactor),
		check(c.BackoffIdle > 0, "backoff idle window must be positive, got %s", c.BackoffIdle),
		check(c.MaxConnsPerHost >= 1, "max connections per host must be at least 1, got %d", c.MaxConnsPerHost),
		check(c.MaxGlobalConns >= c.MaxConnsPerHost, "max global connections %d is below per-host limit %d", c.MaxGlobalConns, c.MaxConnsPerHost),
		check(c.IdleConnTimeout > 0, "idle connection timeout must be positive, got %s", c.IdleConnTimeout),
		check(c.CircuitThreshold >= 0, "circuit threshold must not be negative, got %d", c.CircuitThreshold),
		check(c.CacheTTL > 0, "cache ttl must be positive, got %s", c.CacheTTL),
		check(c.CacheMaxSize > 0, "cache max size must be positive, got %d", c.CacheMaxSize),
		check(c.DedupTTL > 0, "dedup ttl must be positive, got %s", c.DedupTTL),
	} {
		if err != nil {
			return err
		}
	}
	for _, code := range c.RetryStatuses {
		if code < 100 || code > 599 {
			return NewConfigError("validate config", fmt.Errorf("retry status %d is not an HTTP status code", code))
		}
	}
	return nil
}

// GetUserAgent returns the configured user agent or the default
func (c Config) GetUserAgent() string {
	if c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}

// ChunkBatchSize is the number of tasks started together per batch.
func (c Config) ChunkBatchSize(concurrency int) int {
	if concurrency < MaxChunkBatch {
		return concurrency
	}
	return MaxChunkBatch
}

// ChunkThrottle is the pause between batches, window divided by limit.
func (c Config) ChunkThrottle() time.Duration {
	if c.DisableChunkThrottle || c.RateLimit <= 0 {
		return 0
	}
	return c.RateWindow / time.Duration(c.RateLimit)
}
