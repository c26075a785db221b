package cache

import (
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/resilience"
)

const (
	// DefaultLocalCapacity is the Local Store entry limit.
	DefaultLocalCapacity = 1000
	// DefaultLocalTTL is the Local Store sliding lifetime.
	DefaultLocalTTL = time.Minute
	// DefaultTTL is the shared-tier lifetime used when a call sets no TTL.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often expired Local Store entries are purged.
	DefaultSweepInterval = 30 * time.Second
	// DefaultQueryTimeout is the per-operation timeout for shared-tier I/O.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultWarmConcurrency bounds how many producers Warm runs at once.
	DefaultWarmConcurrency = 16
)

// config holds the resolved configuration for the manager and its tiers.
type config struct {
	localCapacity        int
	localTTL             time.Duration
	defaultTTL           time.Duration
	sweepInterval        time.Duration
	queryTimeout         time.Duration
	prefix               string
	now                  func() time.Time
	singleFlight         bool
	warmConcurrency      int
	failOpenInvalidation bool
	breaker              *resilience.CircuitBreaker
	logger               logger.Logger
	ownsClient           bool
}

// Option configures the Manager, the LocalStore or the Redis adapter. Options
// that do not apply to a component are ignored by it.
type Option func(*config)

func defaultConfig() config {
	return config{
		localCapacity:   DefaultLocalCapacity,
		localTTL:        DefaultLocalTTL,
		defaultTTL:      DefaultTTL,
		sweepInterval:   DefaultSweepInterval,
		queryTimeout:    DefaultQueryTimeout,
		now:             time.Now,
		singleFlight:    true,
		warmConcurrency: DefaultWarmConcurrency,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return cfg
}

func (c config) validate() error {
	switch {
	case c.localCapacity <= 0:
		return ErrInvalidConfig
	case c.localTTL <= 0:
		return ErrInvalidConfig
	case c.defaultTTL <= 0:
		return ErrInvalidConfig
	case c.warmConcurrency <= 0:
		return ErrInvalidConfig
	case c.queryTimeout <= 0:
		return ErrInvalidConfig
	}
	return nil
}

// WithLocalCapacity sets the maximum number of Local Store entries.
func WithLocalCapacity(n int) Option {
	return func(c *config) { c.localCapacity = n }
}

// WithLocalTTL sets the Local Store sliding lifetime. It is independent of
// any per-call TTL.
func WithLocalTTL(d time.Duration) Option {
	return func(c *config) { c.localTTL = d }
}

// WithDefaultTTL sets the shared-tier lifetime used when Options.TTL is zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithSweepInterval sets how often the Local Store and the SQLite store
// purge expired entries, and how often the Redis adapter prunes index fields
// whose data key has expired. Zero disables the background sweep; expired
// entries are still never returned.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithQueryTimeout sets the per-operation timeout for shared-tier I/O.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix namespaces every Redis key written by the adapter.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock replaces time.Now for Local Store lifetimes and SQLite expiry.
// Redis expires keys on its own clock.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithoutSingleFlight lets concurrent Wrap misses for the same key each call
// their producer instead of sharing one call.
func WithoutSingleFlight() Option {
	return func(c *config) { c.singleFlight = false }
}

// WithWarmConcurrency bounds how many Warm producers run at once.
func WithWarmConcurrency(n int) Option {
	return func(c *config) { c.warmConcurrency = n }
}

// WithFailOpenInvalidation makes Invalidate and InvalidatePattern log and
// swallow shared-tier failures instead of returning them.
func WithFailOpenInvalidation() Option {
	return func(c *config) { c.failOpenInvalidation = true }
}

// WithBreaker sets the circuit breaker guarding the Redis adapter.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *config) { c.breaker = cb }
}

// WithLogger sets the logger shared stores report background failures to.
// The Manager logs through the logger passed to New.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}
