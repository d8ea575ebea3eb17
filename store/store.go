// Package store provides pluggable storage backends for cached
// responses.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vyrodovalexey/avhttpcache/config"
	"github.com/vyrodovalexey/avhttpcache/observability"
)

// Common store errors.
var (
	// ErrCacheMiss indicates that the key was not found in the store.
	ErrCacheMiss = errors.New("cache miss")

	// ErrConnectionFailed indicates that the store connection failed.
	ErrConnectionFailed = errors.New("store connection failed")
)

// Store is the contract between the cache engine and a storage backend.
// Implementations must make each operation atomic per key: a concurrent
// Set and Delete on the same key never interleave into a corrupted
// half-state. Values are opaque byte slices; the engine owns
// serialization.
type Store interface {
	// Get retrieves a value from the store.
	// Returns ErrCacheMiss if the key is not found or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given hard TTL. A TTL of 0 means the
	// entry never expires on its own (it remains subject to eviction).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the store.
	Delete(ctx context.Context, key string) error

	// Clear removes all values from the store.
	Clear(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// StoreWithStats extends Store with statistics.
type StoreWithStats interface {
	Store

	// Stats returns store statistics.
	Stats() Stats
}

// EvictionNotifier is implemented by stores that can report evictions
// of still-live entries (capacity eviction or expiry sweep).
type EvictionNotifier interface {
	// SetEvictionHook registers a callback invoked with the evicted key.
	// The hook must be fast and must not call back into the store.
	SetEvictionHook(func(key string))
}

// Stats contains store statistics.
type Stats struct {
	// Hits is the number of store hits.
	Hits int64

	// Misses is the number of store misses.
	Misses int64

	// Size is the current number of entries.
	Size int64

	// Bytes is the current payload size in bytes (if tracked).
	Bytes int64
}

// HitRate returns the store hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// New creates a store from the configuration.
func New(cfg *config.StoreConfig, logger observability.Logger) (Store, error) {
	if cfg == nil {
		cfg = config.DefaultStoreConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case config.StoreTypeMemory, "":
		return newMemoryStore(cfg, logger), nil
	case config.StoreTypeRedis:
		return newRedisStore(cfg, logger)
	default:
		return nil, errors.New("unknown store type: " + cfg.Type)
	}
}
