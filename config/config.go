// Package config provides configuration types, defaults, and validation
// for the HTTP response cache.
package config

import "time"

// Default configuration constants.
const (
	// DefaultMaxEntries is the default entry bound for the memory store.
	DefaultMaxEntries = 10000

	// DefaultSweepInterval is the default interval for the memory store's
	// expired-entry sweep.
	DefaultSweepInterval = time.Minute

	// DefaultRedisKeyPrefix is the default key prefix for the Redis store.
	DefaultRedisKeyPrefix = "avhttpcache:"

	// DefaultBreakerMaxFailures is the default number of consecutive
	// upstream failures that opens the circuit breaker.
	DefaultBreakerMaxFailures = 5
)

// Store backend types.
const (
	// StoreTypeMemory uses the in-memory LRU store.
	StoreTypeMemory = "memory"

	// StoreTypeRedis uses Redis as the store backend.
	StoreTypeRedis = "redis"
)

// CacheConfig configures the cache engine.
type CacheConfig struct {
	// DefaultTTL is the fallback freshness lifetime applied when a
	// response carries no max-age or s-maxage directive. Zero means such
	// responses have no freshness lifetime of their own.
	DefaultTTL Duration `yaml:"defaultTTL,omitempty" json:"defaultTTL,omitempty"`

	// StaleWhileRevalidate controls honoring of the
	// stale-while-revalidate response directive.
	StaleWhileRevalidate *StaleConfig `yaml:"staleWhileRevalidate,omitempty" json:"staleWhileRevalidate,omitempty"`

	// StaleIfError controls honoring of the stale-if-error response
	// directive.
	StaleIfError *StaleConfig `yaml:"staleIfError,omitempty" json:"staleIfError,omitempty"`

	// CacheableMethods is the set of request methods eligible for
	// caching. Defaults to GET and HEAD.
	CacheableMethods []string `yaml:"cacheableMethods,omitempty" json:"cacheableMethods,omitempty"`

	// CacheableStatusCodes is the response status allowlist for storage.
	CacheableStatusCodes []int `yaml:"cacheableStatusCodes,omitempty" json:"cacheableStatusCodes,omitempty"`

	// RespectRequestCacheControl when true, a caller-supplied
	// Cache-Control: no-cache or no-store on the request forces a bypass.
	RespectRequestCacheControl bool `yaml:"respectRequestCacheControl,omitempty" json:"respectRequestCacheControl,omitempty"`

	// CoalesceMisses when true, concurrent cold-miss forwards for the
	// same cache key are collapsed into a single upstream request.
	CoalesceMisses bool `yaml:"coalesceMisses,omitempty" json:"coalesceMisses,omitempty"`

	// InvalidateOnUnsafe when true, a successful response to an unsafe
	// method (POST, PUT, PATCH, DELETE) invalidates the stored entry for
	// the same URI.
	InvalidateOnUnsafe bool `yaml:"invalidateOnUnsafe,omitempty" json:"invalidateOnUnsafe,omitempty"`

	// RevalidateRate caps background revalidation starts per second.
	// Zero means unlimited.
	RevalidateRate float64 `yaml:"revalidateRate,omitempty" json:"revalidateRate,omitempty"`

	// RevalidateBurst is the burst size for the background revalidation
	// limiter. Ignored when RevalidateRate is zero.
	RevalidateBurst int `yaml:"revalidateBurst,omitempty" json:"revalidateBurst,omitempty"`

	// Breaker configures the optional circuit breaker around upstream
	// forwards made by the engine.
	Breaker *BreakerConfig `yaml:"breaker,omitempty" json:"breaker,omitempty"`
}

// StaleConfig controls honoring of a stale-tolerance directive.
type StaleConfig struct {
	// Enabled indicates whether the directive is honored at all.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Max is an optional ceiling applied to the directive's window.
	// Zero means the directive value is used as-is.
	Max Duration `yaml:"max,omitempty" json:"max,omitempty"`
}

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	// Enabled indicates whether the breaker is active.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxFailures is the number of consecutive upstream failures that
	// opens the breaker.
	MaxFailures uint32 `yaml:"maxFailures,omitempty" json:"maxFailures,omitempty"`

	// Interval is the cyclic period in which the breaker clears its
	// failure counts while closed.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout is how long the breaker stays open before moving to
	// half-open.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StoreConfig configures a store backend.
type StoreConfig struct {
	// Type is the store backend type: "memory" or "redis".
	Type string `yaml:"type" json:"type"`

	// MaxEntries is the maximum number of entries for the memory store.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`

	// MaxBytes bounds the total body-plus-header bytes held by the
	// memory store. Zero means unbounded.
	MaxBytes int64 `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"`

	// SweepInterval is the interval for the memory store's expired-entry
	// sweep. Zero disables the timer sweep; expired entries are still
	// removed opportunistically on access.
	SweepInterval Duration `yaml:"sweepInterval,omitempty" json:"sweepInterval,omitempty"`

	// Redis contains Redis-specific configuration.
	Redis *RedisStoreConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisStoreConfig contains Redis-specific store configuration.
type RedisStoreConfig struct {
	// URL is the Redis connection URL for standalone mode.
	// Format: redis://[user:password@]host:port[/db]
	// Mutually exclusive with Sentinel configuration.
	URL string `yaml:"url" json:"url"`

	// Sentinel contains Redis Sentinel configuration for high
	// availability. Mutually exclusive with standalone URL.
	Sentinel *RedisSentinelConfig `yaml:"sentinel,omitempty" json:"sentinel,omitempty"`

	// PoolSize is the maximum number of connections in the pool.
	PoolSize int `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`

	// ConnectTimeout is the timeout for establishing connections.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`

	// ReadTimeout is the timeout for read operations.
	ReadTimeout Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`

	// WriteTimeout is the timeout for write operations.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`

	// KeyPrefix is a prefix added to all store keys.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// TTLJitter is the maximum percentage of jitter to add to TTL values
	// (0.0 to 1.0). Default is 0 (no jitter).
	TTLJitter float64 `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`

	// HashKeys when true, SHA256-hashes store keys before storing in
	// Redis. Useful for long keys that might exceed Redis key limits.
	HashKeys bool `yaml:"hashKeys,omitempty" json:"hashKeys,omitempty"`
}

// RedisSentinelConfig contains Redis Sentinel configuration.
type RedisSentinelConfig struct {
	// MasterName is the name of the Redis master monitored by Sentinel.
	MasterName string `yaml:"masterName" json:"masterName"`

	// SentinelAddrs is the list of Sentinel addresses (host:port).
	SentinelAddrs []string `yaml:"sentinelAddrs" json:"sentinelAddrs"`

	// SentinelPassword is the password for Sentinel authentication.
	SentinelPassword string `yaml:"sentinelPassword,omitempty" json:"sentinelPassword,omitempty"`

	// Password is the password for the Redis master.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB is the Redis database number.
	DB int `yaml:"db,omitempty" json:"db,omitempty"`
}

// DefaultCacheConfig returns the default engine configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		CacheableMethods:     []string{"GET", "HEAD"},
		CacheableStatusCodes: []int{200, 203, 300, 301, 308, 404, 410},
		StaleWhileRevalidate: &StaleConfig{Enabled: true},
		StaleIfError:         &StaleConfig{Enabled: true},
	}
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Type:          StoreTypeMemory,
		MaxEntries:    DefaultMaxEntries,
		SweepInterval: Duration(DefaultSweepInterval),
	}
}

// SWREnabled reports whether stale-while-revalidate is honored.
func (c *CacheConfig) SWREnabled() bool {
	return c.StaleWhileRevalidate != nil && c.StaleWhileRevalidate.Enabled
}

// SIEEnabled reports whether stale-if-error is honored.
func (c *CacheConfig) SIEEnabled() bool {
	return c.StaleIfError != nil && c.StaleIfError.Enabled
}

// IsEmpty returns true if the StoreConfig has no meaningful configuration.
func (sc *StoreConfig) IsEmpty() bool {
	return sc == nil || sc.Type == ""
}

// IsEmpty returns true if the RedisStoreConfig has no configuration.
func (rc *RedisStoreConfig) IsEmpty() bool {
	if rc == nil {
		return true
	}
	return rc.URL == "" && rc.Sentinel.IsEmpty()
}

// IsEmpty returns true if the RedisSentinelConfig has no meaningful
// configuration.
func (rsc *RedisSentinelConfig) IsEmpty() bool {
	if rsc == nil {
		return true
	}
	return rsc.MasterName == ""
}
