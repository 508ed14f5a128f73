package pipeline

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/dshills/eventpipe/pipeline/store"
)

// BackpressureMode selects what Add does when the command channel is full.
type BackpressureMode string

const (
	// BackpressureBlock waits up to BackpressureTimeoutMs for space.
	BackpressureBlock BackpressureMode = "block"

	// BackpressureFailFast returns ErrBackpressure immediately.
	BackpressureFailFast BackpressureMode = "fail_fast"
)

// Config holds every recognized pipeline option.
//
// The zero value is not usable; start from DefaultConfig and override
// fields, or load YAML with LoadConfig. Example file:
//
//	collector_endpoint: https://collector.example.com
//	batch_size: 50
//	store_capacity: 5000
//	overflow_policy: evict_oldest
//	retry:
//	  max_retries: 5
//	  base_backoff_ms: 200
//	  jitter_ms: 100
//	  non_retryable_status_codes: [400, 401, 403, 404, 410, 422]
type Config struct {
	// CollectorEndpoint is the collector's base URL (required). Batches are
	// POSTed to "{endpoint}/com.snowplowanalytics.snowplow/tp2".
	CollectorEndpoint string `yaml:"collector_endpoint"`

	// BatchSize is the maximum number of payloads per delivery attempt.
	BatchSize int `yaml:"batch_size"`

	// StoreCapacity bounds the payloads held at once, counting queued,
	// in-flight and awaiting-retry payloads.
	StoreCapacity int `yaml:"store_capacity"`

	// OverflowPolicy is "reject" (Add fails with ErrBackpressure) or
	// "evict_oldest" (the oldest queued payload is dropped).
	OverflowPolicy store.OverflowPolicy `yaml:"overflow_policy"`

	// ChannelCapacity is the buffer size of the producer-to-worker channel.
	ChannelCapacity int `yaml:"channel_capacity"`

	// Backpressure is "block" or "fail_fast".
	Backpressure BackpressureMode `yaml:"backpressure"`

	// BackpressureTimeoutMs bounds how long Add blocks in block mode.
	BackpressureTimeoutMs int `yaml:"backpressure_timeout_ms"`

	// DrainLimit caps the commands the worker drains per loop iteration, so a
	// flood of Adds cannot starve sending.
	DrainLimit int `yaml:"drain_limit"`

	// SendTimeoutMs bounds each delivery attempt. Zero means no limit.
	SendTimeoutMs int `yaml:"send_timeout_ms"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures the RetryPolicy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so a
	// batch is attempted at most MaxRetries+1 times. Ignored when Infinite.
	MaxRetries int `yaml:"max_retries"`

	// Infinite retries retryable failures forever.
	Infinite bool `yaml:"infinite"`

	BaseBackoffMs int `yaml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms"`

	// JitterMs is the exclusive upper bound of the uniform random delay
	// added to each backoff. Zero disables jitter.
	JitterMs int `yaml:"jitter_ms"`

	// NonRetryableStatusCodes are dropped after a single attempt.
	NonRetryableStatusCodes []int `yaml:"non_retryable_status_codes"`
}

// Defaults.
const (
	DefaultBatchSize             = 100
	DefaultStoreCapacity         = 1000
	DefaultChannelCapacity       = 100
	DefaultBackpressureTimeoutMs = 1000
	DefaultDrainLimit            = 100
	DefaultSendTimeoutMs         = 30000
	DefaultMaxRetries            = 10
	DefaultBaseBackoffMs         = 100
	DefaultMaxBackoffMs          = 60000
	DefaultJitterMs              = 100
)

// DefaultNonRetryableStatusCodes are the collector answers that mean the
// request itself is bad and will never succeed.
func DefaultNonRetryableStatusCodes() []int {
	return []int{400, 401, 403, 404, 410, 422}
}

// DefaultConfig returns a Config with every default applied and no
// collector endpoint.
func DefaultConfig() Config {
	return Config{
		BatchSize:             DefaultBatchSize,
		StoreCapacity:         DefaultStoreCapacity,
		OverflowPolicy:        store.OverflowReject,
		ChannelCapacity:       DefaultChannelCapacity,
		Backpressure:          BackpressureBlock,
		BackpressureTimeoutMs: DefaultBackpressureTimeoutMs,
		DrainLimit:            DefaultDrainLimit,
		SendTimeoutMs:         DefaultSendTimeoutMs,
		Retry: RetryConfig{
			MaxRetries:              DefaultMaxRetries,
			BaseBackoffMs:           DefaultBaseBackoffMs,
			MaxBackoffMs:            DefaultMaxBackoffMs,
			JitterMs:                DefaultJitterMs,
			NonRetryableStatusCodes: DefaultNonRetryableStatusCodes(),
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates it. Keys
// absent from the document keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &ConfigError{Field: "yaml", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and returns all problems at once, as a
// *multierror.Error of *ConfigError values, or nil.
func (c Config) Validate() error {
	var result *multierror.Error
	bad := func(field, format string, args ...interface{}) {
		result = multierror.Append(result, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.CollectorEndpoint == "" {
		bad("collector_endpoint", "required")
	} else if u, err := url.Parse(c.CollectorEndpoint); err != nil {
		bad("collector_endpoint", "%v", err)
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("collector_endpoint", "must be an absolute http(s) URL, got %q", c.CollectorEndpoint)
	}

	if c.BatchSize < 1 {
		bad("batch_size", "must be >= 1, got %d", c.BatchSize)
	}
	if c.StoreCapacity < 1 {
		bad("store_capacity", "must be >= 1, got %d", c.StoreCapacity)
	}
	if c.BatchSize > c.StoreCapacity && c.StoreCapacity >= 1 {
		bad("batch_size", "must not exceed store_capacity (%d > %d)", c.BatchSize, c.StoreCapacity)
	}
	if !c.OverflowPolicy.Valid() {
		bad("overflow_policy", "must be %q or %q, got %q", store.OverflowReject, store.OverflowEvictOldest, c.OverflowPolicy)
	}
	if c.ChannelCapacity < 1 {
		bad("channel_capacity", "must be >= 1, got %d", c.ChannelCapacity)
	}
	switch c.Backpressure {
	case BackpressureBlock:
		if c.BackpressureTimeoutMs < 1 {
			bad("backpressure_timeout_ms", "must be >= 1 in block mode, got %d", c.BackpressureTimeoutMs)
		}
	case BackpressureFailFast:
	default:
		bad("backpressure", "must be %q or %q, got %q", BackpressureBlock, BackpressureFailFast, c.Backpressure)
	}
	if c.DrainLimit < 1 {
		bad("drain_limit", "must be >= 1, got %d", c.DrainLimit)
	}
	if c.SendTimeoutMs < 0 {
		bad("send_timeout_ms", "must be >= 0, got %d", c.SendTimeoutMs)
	}

	r := c.Retry
	if r.MaxRetries < 0 {
		bad("retry.max_retries", "must be >= 0, got %d", r.MaxRetries)
	}
	if r.BaseBackoffMs < 1 {
		bad("retry.base_backoff_ms", "must be >= 1, got %d", r.BaseBackoffMs)
	}
	if r.MaxBackoffMs < r.BaseBackoffMs {
		bad("retry.max_backoff_ms", "must be >= base_backoff_ms (%d < %d)", r.MaxBackoffMs, r.BaseBackoffMs)
	}
	if r.JitterMs < 0 {
		bad("retry.jitter_ms", "must be >= 0, got %d", r.JitterMs)
	}
	for _, code := range r.NonRetryableStatusCodes {
		if code < 100 || code > 599 {
			bad("retry.non_retryable_status_codes", "%d is not an HTTP status code", code)
		}
	}

	return result.ErrorOrNil()
}

func (c Config) backpressureTimeout() time.Duration {
	return time.Duration(c.BackpressureTimeoutMs) * time.Millisecond
}

func (c Config) sendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}
