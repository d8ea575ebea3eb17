package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avhttpcache/config"
	"github.com/vyrodovalexey/avhttpcache/internal/retry"
	"github.com/vyrodovalexey/avhttpcache/observability"
)

// redisRetryConfig returns the retry configuration for Redis operations.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError checks if the error is retryable.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	// Don't retry on miss or context errors
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// redisStore implements a Redis-backed store.
type redisStore struct {
	logger    observability.Logger
	client    redis.UniversalClient
	keyPrefix string
	ttlJitter float64
	hashKeys  bool

	hits   int64
	misses int64
}

// newRedisStore creates a new Redis store. It dispatches between
// standalone and Sentinel modes based on configuration.
func newRedisStore(cfg *config.StoreConfig, logger observability.Logger) (*redisStore, error) {
	rc := cfg.Redis
	if rc == nil {
		return nil, errors.New("redis configuration is required")
	}

	var client redis.UniversalClient
	switch {
	case !rc.Sentinel.IsEmpty():
		opts := &redis.FailoverOptions{
			MasterName:       rc.Sentinel.MasterName,
			SentinelAddrs:    rc.Sentinel.SentinelAddrs,
			SentinelPassword: rc.Sentinel.SentinelPassword,
			Password:         rc.Sentinel.Password,
			DB:               rc.Sentinel.DB,
		}
		if rc.PoolSize > 0 {
			opts.PoolSize = rc.PoolSize
		}
		if rc.ConnectTimeout > 0 {
			opts.DialTimeout = rc.ConnectTimeout.Duration()
		}
		if rc.ReadTimeout > 0 {
			opts.ReadTimeout = rc.ReadTimeout.Duration()
		}
		if rc.WriteTimeout > 0 {
			opts.WriteTimeout = rc.WriteTimeout.Duration()
		}
		client = redis.NewFailoverClient(opts)
	case rc.URL != "":
		opts, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, errors.New("invalid redis URL: " + err.Error())
		}
		if rc.PoolSize > 0 {
			opts.PoolSize = rc.PoolSize
		}
		if rc.ConnectTimeout > 0 {
			opts.DialTimeout = rc.ConnectTimeout.Duration()
		}
		if rc.ReadTimeout > 0 {
			opts.ReadTimeout = rc.ReadTimeout.Duration()
		}
		if rc.WriteTimeout > 0 {
			opts.WriteTimeout = rc.WriteTimeout.Duration()
		}
		client = redis.NewClient(opts)
	default:
		return nil, errors.New("redis URL or sentinel configuration is required")
	}

	if err := pingRedis(client); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	s := &redisStore{
		logger:    logger,
		client:    client,
		keyPrefix: resolveKeyPrefix(rc.KeyPrefix),
		ttlJitter: rc.TTLJitter,
		hashKeys:  rc.HashKeys,
	}

	logger.Info("redis store initialized",
		observability.String("keyPrefix", s.keyPrefix),
		observability.Float64("ttlJitter", s.ttlJitter),
		observability.Bool("hashKeys", s.hashKeys))

	return s, nil
}

// pingRedis tests the Redis connection with a timeout.
func pingRedis(client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// resolveKeyPrefix returns the key prefix, falling back to the default.
func resolveKeyPrefix(prefix string) string {
	if prefix == "" {
		return config.DefaultRedisKeyPrefix
	}
	return prefix
}

// HashKey hashes a key to a fixed length.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// resolveKey applies the key prefix and optional SHA256 hashing.
func (s *redisStore) resolveKey(key string) string {
	if s.hashKeys {
		return s.keyPrefix + HashKey(key)
	}
	return s.keyPrefix + key
}

// applyTTLJitter adds random jitter to a TTL value to prevent
// synchronized expiry storms. jitterFactor 0.1 means ±10%.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not require cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	result := ttl + jitter
	if result <= 0 {
		return ttl
	}
	return result
}

// Get retrieves a value from the store with exponential backoff retry.
func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", "redis"),
			attribute.String("store.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	fullKey := s.resolveKey(key)

	var result []byte

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		val, getErr := s.client.Get(ctx, fullKey).Bytes()
		if getErr != nil {
			return getErr
		}
		result = val
		return nil
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying redis get",
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	})

	if err == nil {
		atomic.AddInt64(&s.hits, 1)
		GetMetrics().hitsTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(
			attribute.Bool("store.hit", true),
			attribute.Int("store.value_size", len(result)),
		)
		return result, nil
	}

	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("store.hit", false))
		return nil, ErrCacheMiss
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, err
}

// Set stores a value with exponential backoff retry.
func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", "redis"),
			attribute.String("store.key", key),
			attribute.Int("store.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "set",
		).Observe(time.Since(start).Seconds())
	}()

	ttl = applyTTLJitter(ttl, s.ttlJitter)
	fullKey := s.resolveKey(key)

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return s.client.Set(ctx, fullKey, value, ttl).Err()
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Debug("retrying redis set",
				observability.String("key", key),
				observability.Int("attempt", attempt))
		},
	})

	if err == nil {
		s.logger.Debug("store set",
			observability.String("key", key),
			observability.Duration("ttl", ttl),
			observability.Int("size", len(value)))
		return nil
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	s.logger.Error("redis set failed",
		observability.String("key", key),
		observability.Error(err))
	return err
}

// Delete removes a value with exponential backoff retry.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.Delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", "redis"),
			attribute.String("store.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "delete",
		).Observe(time.Since(start).Seconds())
	}()

	fullKey := s.resolveKey(key)

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return s.client.Del(ctx, fullKey).Err()
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
	})

	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "delete").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Error("redis delete failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	return nil
}

// Clear removes all values under the store's key prefix. Keys are
// discovered with SCAN so unrelated keys in a shared database are left
// untouched.
func (s *redisStore) Clear(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store.Clear",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("store.backend", "redis")),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "clear",
		).Observe(time.Since(start).Seconds())
	}()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			GetMetrics().errorsTotal.WithLabelValues("redis", "clear").Inc()
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				GetMetrics().errorsTotal.WithLabelValues("redis", "clear").Inc()
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// Stats returns store statistics. Size and byte counts are not tracked
// for the Redis backend.
func (s *redisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
	}
}
