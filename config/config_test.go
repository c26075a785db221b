package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, cache.DefaultLocalCapacity, cfg.LocalCapacity)
	assert.Equal(t, Duration(time.Minute), cfg.LocalTTL)
	assert.Equal(t, Duration(5*time.Minute), cfg.DefaultTTL)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90s", 90 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"1d", 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, Duration(tt.want), d)
		})
	}

	_, err := ParseDuration("soon")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiercache.yaml")
	content := `
redis_url: redis://cache:6379/2
prefix: myapp
local_capacity: 250
local_ttl: 30s
default_ttl: 1d
fail_open_invalidation: true
breaker:
  max_failures: 3
  open_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, "myapp", cfg.Prefix)
	assert.Equal(t, 250, cfg.LocalCapacity)
	assert.Equal(t, Duration(30*time.Second), cfg.LocalTTL)
	assert.Equal(t, Duration(24*time.Hour), cfg.DefaultTTL)
	assert.True(t, cfg.FailOpenInvalidation)
	assert.Equal(t, 3, cfg.Breaker.MaxFailures)
	assert.Equal(t, Duration(10*time.Second), cfg.Breaker.OpenTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, Duration(cache.DefaultQueryTimeout), cfg.QueryTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("local_ttl: whenever\n"), 0o644))

	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"TIERCACHE_REDIS_URL":             "redis://env:6379/0",
		"TIERCACHE_LOCAL_CAPACITY":        "42",
		"TIERCACHE_DEFAULT_TTL":           "10m",
		"TIERCACHE_DISABLE_SINGLE_FLIGHT": "true",
		"TIERCACHE_PREFIX":                "",
		"UNRELATED_LOCAL_CAPACITY":        "7",
	}))
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379/0", cfg.RedisURL)
	assert.Equal(t, 42, cfg.LocalCapacity)
	assert.Equal(t, Duration(10*time.Minute), cfg.DefaultTTL)
	assert.True(t, cfg.DisableSingleFlight)
	assert.Equal(t, "tiercache", cfg.Prefix)
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupMap(map[string]string{
		"TIERCACHE_LOCAL_CAPACITY": "lots",
		"TIERCACHE_LOCAL_TTL":      "forever",
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "TIERCACHE_LOCAL_CAPACITY")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no shared tier", func(c *Config) { c.RedisURL = "" }},
		{"zero capacity", func(c *Config) { c.LocalCapacity = 0 }},
		{"negative capacity", func(c *Config) { c.LocalCapacity = -5 }},
		{"zero local ttl", func(c *Config) { c.LocalTTL = 0 }},
		{"zero default ttl", func(c *Config) { c.DefaultTTL = 0 }},
		{"negative sweep", func(c *Config) { c.SweepInterval = Duration(-time.Second) }},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }},
		{"zero warm concurrency", func(c *Config) { c.WarmConcurrency = 0 }},
		{"zero breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalid))
		})
	}
}

func TestDialSQLite(t *testing.T) {
	cfg := Default()
	cfg.RedisURL = ""
	cfg.SQLitePath = filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, cfg.Validate())

	shared, err := cfg.Dial(context.Background(), logger.NewTestLogger())
	require.NoError(t, err)
	defer shared.Close()
	_, err = shared.Info(context.Background())
	assert.NoError(t, err)
}

func TestDialRedisUnreachable(t *testing.T) {
	cfg := Default()
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	cfg.QueryTimeout = Duration(100 * time.Millisecond)

	_, err := cfg.Dial(context.Background(), nil)
	assert.True(t, errors.Is(err, cache.ErrSharedUnavailable))
}

func TestOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Options(), 8)

	cfg.DisableSingleFlight = true
	cfg.FailOpenInvalidation = true
	assert.Len(t, cfg.Options(), 10)
}
