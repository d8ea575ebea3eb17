package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()

	assert.Equal(t, []string{http.MethodGet, http.MethodHead}, cfg.CacheableMethods)
	assert.Contains(t, cfg.CacheableStatusCodes, http.StatusOK)
	assert.Contains(t, cfg.CacheableStatusCodes, http.StatusNotFound)
	assert.True(t, cfg.SWREnabled())
	assert.True(t, cfg.SIEEnabled())
	require.NoError(t, cfg.Validate())
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()

	assert.Equal(t, StoreTypeMemory, cfg.Type)
	assert.Equal(t, DefaultMaxEntries, cfg.MaxEntries)
	assert.Equal(t, time.Minute, cfg.SweepInterval.Duration())
	require.NoError(t, cfg.Validate())
}

func TestCacheConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CacheConfig)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *CacheConfig) {},
		},
		{
			name:    "negative default ttl",
			mutate:  func(c *CacheConfig) { c.DefaultTTL = Duration(-time.Second) },
			wantErr: "defaultTTL",
		},
		{
			name: "negative stale window",
			mutate: func(c *CacheConfig) {
				c.StaleWhileRevalidate = &StaleConfig{Enabled: true, Max: Duration(-time.Minute)}
			},
			wantErr: "staleWhileRevalidate.max",
		},
		{
			name:    "empty method",
			mutate:  func(c *CacheConfig) { c.CacheableMethods = []string{""} },
			wantErr: "cacheableMethods",
		},
		{
			name:    "status code out of range",
			mutate:  func(c *CacheConfig) { c.CacheableStatusCodes = []int{42} },
			wantErr: "cacheableStatusCodes",
		},
		{
			name:    "negative revalidate rate",
			mutate:  func(c *CacheConfig) { c.RevalidateRate = -1 },
			wantErr: "revalidateRate",
		},
		{
			name: "negative breaker timeout",
			mutate: func(c *CacheConfig) {
				c.Breaker = &BreakerConfig{Enabled: true, Timeout: Duration(-time.Second)}
			},
			wantErr: "breaker.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultCacheConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreConfig_Validate(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		cfg := &StoreConfig{Type: "memcached"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("redis requires configuration", func(t *testing.T) {
		cfg := &StoreConfig{Type: StoreTypeRedis}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis")
	})

	t.Run("redis url and sentinel exclusive", func(t *testing.T) {
		cfg := &StoreConfig{
			Type: StoreTypeRedis,
			Redis: &RedisStoreConfig{
				URL: "redis://localhost:6379",
				Sentinel: &RedisSentinelConfig{
					MasterName:    "mymaster",
					SentinelAddrs: []string{"localhost:26379"},
				},
			},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("ttl jitter range", func(t *testing.T) {
		cfg := &StoreConfig{
			Type:  StoreTypeRedis,
			Redis: &RedisStoreConfig{URL: "redis://localhost:6379", TTLJitter: 1.5},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ttlJitter")
	})

	t.Run("negative max entries", func(t *testing.T) {
		cfg := &StoreConfig{Type: StoreTypeMemory, MaxEntries: -1}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maxEntries")
	})
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		TTL Duration `yaml:"ttl"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("ttl: 90s"), &cfg))
	assert.Equal(t, 90*time.Second, cfg.TTL.Duration())

	require.NoError(t, yaml.Unmarshal([]byte("ttl: 2m30s"), &cfg))
	assert.Equal(t, 150*time.Second, cfg.TTL.Duration())

	assert.Error(t, yaml.Unmarshal([]byte("ttl: banana"), &cfg))
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(5 * time.Minute)

	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5m0s"`, string(data))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON(data))
	assert.Equal(t, d, parsed)
}

func TestLoad(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := writeConfigFile(t, `
cache:
  defaultTTL: 30s
  coalesceMisses: true
  staleWhileRevalidate:
    enabled: true
    max: 2m
store:
  type: memory
  maxEntries: 500
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL.Duration())
		assert.True(t, cfg.Cache.CoalesceMisses)
		assert.Equal(t, 2*time.Minute, cfg.Cache.StaleWhileRevalidate.Max.Duration())
		assert.Equal(t, 500, cfg.Store.MaxEntries)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		path := writeConfigFile(t, `
cache:
  revalidateRate: -2
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
