package config

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid is the sentinel for configuration validation failures.
// Every ConfigError matches it via errors.Is.
var ErrConfigInvalid = errors.New("invalid configuration")

// ConfigError represents a configuration validation error. It is
// reported at construction time, before any request is processed.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// Validate checks the engine configuration. It returns a ConfigError for
// the first invalid field found.
func (c *CacheConfig) Validate() error {
	if c == nil {
		return &ConfigError{Message: "cache configuration is required"}
	}
	if c.DefaultTTL < 0 {
		return &ConfigError{Field: "defaultTTL", Message: "must not be negative"}
	}
	if err := c.StaleWhileRevalidate.validate("staleWhileRevalidate"); err != nil {
		return err
	}
	if err := c.StaleIfError.validate("staleIfError"); err != nil {
		return err
	}
	for _, m := range c.CacheableMethods {
		if m == "" {
			return &ConfigError{Field: "cacheableMethods", Message: "method must not be empty"}
		}
	}
	for _, code := range c.CacheableStatusCodes {
		if code < 100 || code > 599 {
			return &ConfigError{
				Field:   "cacheableStatusCodes",
				Message: fmt.Sprintf("status code %d out of range", code),
			}
		}
	}
	if c.RevalidateRate < 0 {
		return &ConfigError{Field: "revalidateRate", Message: "must not be negative"}
	}
	if c.RevalidateBurst < 0 {
		return &ConfigError{Field: "revalidateBurst", Message: "must not be negative"}
	}
	return c.Breaker.validate()
}

func (sc *StaleConfig) validate(field string) error {
	if sc == nil {
		return nil
	}
	if sc.Max < 0 {
		return &ConfigError{Field: field + ".max", Message: "must not be negative"}
	}
	return nil
}

func (bc *BreakerConfig) validate() error {
	if bc == nil || !bc.Enabled {
		return nil
	}
	if bc.Interval < 0 {
		return &ConfigError{Field: "breaker.interval", Message: "must not be negative"}
	}
	if bc.Timeout < 0 {
		return &ConfigError{Field: "breaker.timeout", Message: "must not be negative"}
	}
	return nil
}

// Validate checks the store configuration. It returns a ConfigError for
// the first invalid field found.
func (sc *StoreConfig) Validate() error {
	if sc == nil {
		return &ConfigError{Message: "store configuration is required"}
	}
	switch sc.Type {
	case StoreTypeMemory, "":
	case StoreTypeRedis:
		if sc.Redis.IsEmpty() {
			return &ConfigError{Field: "redis", Message: "redis configuration is required"}
		}
		if err := sc.Redis.validate(); err != nil {
			return err
		}
	default:
		return &ConfigError{Field: "type", Message: fmt.Sprintf("unknown store type %q", sc.Type)}
	}
	if sc.MaxEntries < 0 {
		return &ConfigError{Field: "maxEntries", Message: "must not be negative"}
	}
	if sc.MaxBytes < 0 {
		return &ConfigError{Field: "maxBytes", Message: "must not be negative"}
	}
	if sc.SweepInterval < 0 {
		return &ConfigError{Field: "sweepInterval", Message: "must not be negative"}
	}
	return nil
}

func (rc *RedisStoreConfig) validate() error {
	if rc.URL != "" && !rc.Sentinel.IsEmpty() {
		return &ConfigError{
			Field:   "redis",
			Message: "url and sentinel are mutually exclusive",
		}
	}
	if !rc.Sentinel.IsEmpty() && len(rc.Sentinel.SentinelAddrs) == 0 {
		return &ConfigError{
			Field:   "redis.sentinel.sentinelAddrs",
			Message: "at least one sentinel address is required",
		}
	}
	if rc.TTLJitter < 0 || rc.TTLJitter > 1 {
		return &ConfigError{Field: "redis.ttlJitter", Message: "must be between 0.0 and 1.0"}
	}
	return nil
}
