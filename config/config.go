// Package config loads tiercache settings from a YAML file, the environment
// and command line flags, in increasing order of precedence.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/agentuity/tiercache/cache"
	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "TIERCACHE_"

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that reads human forms such as "90s", "5m" or
// "1d" from YAML and the environment.
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalid, "duration %q: %s", s, err)
	}
	return Duration(d), nil
}

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Breaker configures the circuit breaker in front of Redis.
type Breaker struct {
	MaxFailures int      `yaml:"max_failures"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

// Config is the full set of settings for a Manager and its Redis tier.
type Config struct {
	RedisURL             string   `yaml:"redis_url"`
	SQLitePath           string   `yaml:"sqlite_path"`
	Prefix               string   `yaml:"prefix"`
	LocalCapacity        int      `yaml:"local_capacity"`
	LocalTTL             Duration `yaml:"local_ttl"`
	DefaultTTL           Duration `yaml:"default_ttl"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	QueryTimeout         Duration `yaml:"query_timeout"`
	WarmConcurrency      int      `yaml:"warm_concurrency"`
	DisableSingleFlight  bool     `yaml:"disable_single_flight"`
	FailOpenInvalidation bool     `yaml:"fail_open_invalidation"`
	Breaker              Breaker  `yaml:"breaker"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	cb := resilience.DefaultCircuitBreakerConfig()
	return Config{
		RedisURL:        "redis://localhost:6379/0",
		Prefix:          "tiercache",
		LocalCapacity:   cache.DefaultLocalCapacity,
		LocalTTL:        Duration(cache.DefaultLocalTTL),
		DefaultTTL:      Duration(cache.DefaultTTL),
		SweepInterval:   Duration(cache.DefaultSweepInterval),
		QueryTimeout:    Duration(cache.DefaultQueryTimeout),
		WarmConcurrency: cache.DefaultWarmConcurrency,
		Breaker: Breaker{
			MaxFailures: cb.MaxFailures,
			OpenTimeout: Duration(cb.Timeout),
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrInvalid, "parsing %s: %s", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any TIERCACHE_* variables that lookup finds.
// Pass os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s%s=%q is not a number", EnvPrefix, name, v)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*dst = d
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s%s=%q is not a boolean", EnvPrefix, name, v)
		}
		*dst = b
		return nil
	}

	str("REDIS_URL", &c.RedisURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("PREFIX", &c.Prefix)
	var err error
	for _, e := range []error{
		num("LOCAL_CAPACITY", &c.LocalCapacity),
		num("WARM_CONCURRENCY", &c.WarmConcurrency),
		dur("LOCAL_TTL", &c.LocalTTL),
		dur("DEFAULT_TTL", &c.DefaultTTL),
		dur("SWEEP_INTERVAL", &c.SweepInterval),
		dur("QUERY_TIMEOUT", &c.QueryTimeout),
		flag("DISABLE_SINGLE_FLIGHT", &c.DisableSingleFlight),
		flag("FAIL_OPEN_INVALIDATION", &c.FailOpenInvalidation),
	} {
		err = errors.CombineErrors(err, e)
	}
	return err
}

// Validate rejects settings the cache would refuse or misbehave with.
func (c Config) Validate() error {
	switch {
	case c.RedisURL == "" && c.SQLitePath == "":
		return errors.Wrap(ErrInvalid, "one of redis_url or sqlite_path is required")
	case c.LocalCapacity <= 0:
		return errors.Wrapf(ErrInvalid, "local_capacity must be positive, got %d", c.LocalCapacity)
	case c.LocalTTL <= 0:
		return errors.Wrapf(ErrInvalid, "local_ttl must be positive, got %s", c.LocalTTL)
	case c.DefaultTTL <= 0:
		return errors.Wrapf(ErrInvalid, "default_ttl must be positive, got %s", c.DefaultTTL)
	case c.SweepInterval < 0:
		return errors.Wrapf(ErrInvalid, "sweep_interval cannot be negative, got %s", c.SweepInterval)
	case c.QueryTimeout <= 0:
		return errors.Wrapf(ErrInvalid, "query_timeout must be positive, got %s", c.QueryTimeout)
	case c.WarmConcurrency <= 0:
		return errors.Wrapf(ErrInvalid, "warm_concurrency must be positive, got %d", c.WarmConcurrency)
	case c.Breaker.MaxFailures <= 0:
		return errors.Wrapf(ErrInvalid, "breaker.max_failures must be positive, got %d", c.Breaker.MaxFailures)
	}
	return nil
}

// Dial opens the shared tier: the SQLite file when SQLitePath is set,
// Redis otherwise. Background failures in the store are logged to log.
func (c Config) Dial(ctx context.Context, log logger.Logger) (cache.SharedStore, error) {
	opts := c.Options()
	if log != nil {
		opts = append(opts, cache.WithLogger(log))
	}
	if c.SQLitePath != "" {
		return cache.NewSQLite(ctx, c.SQLitePath, opts...)
	}
	return cache.DialRedis(ctx, c.RedisURL, opts...)
}

// Options converts the settings into cache options, shared by the Manager
// and the Redis store.
func (c Config) Options() []cache.Option {
	cb := resilience.DefaultCircuitBreakerConfig()
	cb.MaxFailures = c.Breaker.MaxFailures
	if c.Breaker.OpenTimeout > 0 {
		cb.Timeout = time.Duration(c.Breaker.OpenTimeout)
	}
	opts := []cache.Option{
		cache.WithPrefix(c.Prefix),
		cache.WithLocalCapacity(c.LocalCapacity),
		cache.WithLocalTTL(time.Duration(c.LocalTTL)),
		cache.WithDefaultTTL(time.Duration(c.DefaultTTL)),
		cache.WithSweepInterval(time.Duration(c.SweepInterval)),
		cache.WithQueryTimeout(time.Duration(c.QueryTimeout)),
		cache.WithWarmConcurrency(c.WarmConcurrency),
		cache.WithBreaker(resilience.NewCircuitBreaker(cb)),
	}
	if c.DisableSingleFlight {
		opts = append(opts, cache.WithoutSingleFlight())
	}
	if c.FailOpenInvalidation {
		opts = append(opts, cache.WithFailOpenInvalidation())
	}
	return opts
}
