package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// deleteBatch caps how many keys a single shared Delete carries during
// pattern invalidation.
const deleteBatch = 500

// Options are the per-call overrides. TTL governs the shared-tier lifetime
// and caps the local one; Namespace scopes the key. The zero value uses the
// default TTL in the global namespace.
type Options struct {
	TTL       time.Duration
	Namespace string
}

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// WarmEntry is one key for Warm to populate.
type WarmEntry struct {
	Key      string
	Producer Producer
	Options  Options
}

// WarmResult counts the outcome of a Warm call. Warmed includes keys that
// were already cached.
type WarmResult struct {
	Warmed int
	Failed int
}

// Manager fronts a SharedStore with a LocalStore. Reads check the local tier
// first, writes go to both, and any shared-tier failure during Get or Set
// degrades to a miss or a local-only write instead of an error.
type Manager struct {
	id     string
	local  *LocalStore
	shared SharedStore
	logger logger.Logger
	cfg    config
	flight singleflight.Group
	stats  collector
	once   sync.Once
}

// New builds a Manager over shared. The Manager owns shared from here on and
// closes it in Close.
func New(ctx context.Context, log logger.Logger, shared SharedStore, opts ...Option) (*Manager, error) {
	if shared == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "shared store is required")
	}
	cfg := applyOptions(opts)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	id := uuid.NewString()
	m := &Manager{
		id:     id,
		local:  NewLocalStore(ctx, opts...),
		shared: shared,
		logger: log.WithPrefix("[cache]").With(map[string]interface{}{"instance": id}),
		cfg:    cfg,
	}
	m.logger.Debug("started with local capacity %d, local ttl %s, default ttl %s", cfg.localCapacity, cfg.localTTL, cfg.defaultTTL)
	return m, nil
}

// ID identifies this manager instance in logs and stats.
func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) ttl(o Options) time.Duration {
	if o.TTL > 0 {
		return o.TTL
	}
	return m.cfg.defaultTTL
}

// Get returns the cached value for key. Values read back from the shared tier
// are msgpack-decoded into generic types; use GetAs for a typed result.
func (m *Manager) Get(ctx context.Context, key string, o Options) (any, bool) {
	ck := Fingerprint(key, o.Namespace)
	if val, ok := m.local.Get(ck); ok {
		m.stats.localHits.Add(1)
		return val, true
	}
	data, remaining, found, err := m.shared.Get(ctx, ck)
	if err != nil {
		m.stats.sharedErrors.Add(1)
		m.stats.misses.Add(1)
		m.logger.Warn("shared get %s failed, treating as miss: %s", ck, err)
		return nil, false
	}
	if !found {
		m.stats.misses.Add(1)
		return nil, false
	}
	var val any
	if err := msgpack.Unmarshal(data, &val); err != nil {
		m.stats.serializationErrors.Add(1)
		m.stats.misses.Add(1)
		m.logger.Error("shared value for %s cannot be decoded, treating as miss: %s", ck, err)
		return nil, false
	}
	m.local.Set(LocalEntry{
		Key:        ck,
		LogicalKey: key,
		Namespace:  o.Namespace,
		Value:      val,
		TTL:        remaining,
	})
	m.stats.sharedHits.Add(1)
	return val, true
}

// Has reports whether key is cached in either tier without decoding it
// from the shared tier. A local hit refreshes the entry's sliding lifetime.
func (m *Manager) Has(ctx context.Context, key string, o Options) bool {
	ck := Fingerprint(key, o.Namespace)
	if m.local.Has(ck) {
		return true
	}
	_, _, found, err := m.shared.Get(ctx, ck)
	if err != nil {
		m.stats.sharedErrors.Add(1)
		return false
	}
	return found
}

// Set writes val to the local tier, then to the shared tier. A value that
// cannot be serialized, or a failed shared write, is logged and leaves the
// value cached locally only.
func (m *Manager) Set(ctx context.Context, key string, val any, o Options) {
	ck := Fingerprint(key, o.Namespace)
	ttl := m.ttl(o)
	m.local.Set(LocalEntry{
		Key:        ck,
		LogicalKey: key,
		Namespace:  o.Namespace,
		Value:      val,
		TTL:        ttl,
	})
	m.stats.sets.Add(1)

	data, err := msgpack.Marshal(val)
	if err != nil {
		m.stats.serializationErrors.Add(1)
		m.logger.Error("value for %s (%T) cannot be serialized, cached locally only: %s", ck, val, serializationError(err, "marshal"))
		return
	}
	entry := SharedEntry{Key: ck, LogicalKey: key, Namespace: o.Namespace, Data: data}
	if err := m.shared.Set(ctx, entry, ttl); err != nil {
		m.stats.sharedErrors.Add(1)
		m.logger.Warn("shared set %s failed, cached locally only: %s", ck, err)
	}
}

// Invalidate removes key from both tiers. The local entry is always removed;
// a shared-tier failure is returned unless WithFailOpenInvalidation is set,
// since a stale shared entry would be served to other processes.
func (m *Manager) Invalidate(ctx context.Context, key string, o Options) error {
	ck := Fingerprint(key, o.Namespace)
	m.local.Delete(ck)
	if err := m.shared.Delete(ctx, o.Namespace, ck); err != nil {
		return m.invalidationFailed(errors.Wrapf(err, "invalidate %s", ck))
	}
	return nil
}

// InvalidatePattern removes every entry in namespace whose logical key
// contains pattern, from both tiers. It is not atomic with respect to
// concurrent Set calls for matching keys.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string, namespace string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	var local int
	for _, entry := range m.local.Entries() {
		if entry.Namespace == namespace && strings.Contains(entry.LogicalKey, pattern) {
			if m.local.Delete(entry.Key) {
				local++
			}
		}
	}

	keys, err := m.shared.ScanKeys(ctx, namespace, pattern)
	if err != nil {
		return m.invalidationFailed(errors.Wrapf(err, "invalidate pattern %q", pattern))
	}
	for batch := range slices.Chunk(keys, deleteBatch) {
		if err := m.shared.Delete(ctx, namespace, batch...); err != nil {
			return m.invalidationFailed(errors.Wrapf(err, "invalidate pattern %q", pattern))
		}
	}
	m.logger.Debug("pattern %q in namespace %q removed %d local and %d shared entries", pattern, namespace, local, len(keys))
	return nil
}

func (m *Manager) invalidationFailed(err error) error {
	m.stats.sharedErrors.Add(1)
	if m.cfg.failOpenInvalidation {
		m.logger.Warn("%s", err)
		return nil
	}
	m.logger.Error("%s", err)
	return err
}

// Wrap returns the cached value for key, or calls producer, caches its
// result and returns it. Producer errors are returned unchanged and nothing
// is cached. Concurrent misses on the same key share a single producer call
// unless WithoutSingleFlight is set. A panicking producer is returned as an
// error.
//
// A shared producer call runs with the first caller's context values but
// without its cancellation, so one caller giving up does not fail the
// others. A cancelled caller stops waiting and gets ctx.Err().
func (m *Manager) Wrap(ctx context.Context, key string, producer Producer, o Options) (any, error) {
	if val, ok := m.Get(ctx, key, o); ok {
		return val, nil
	}
	if !m.cfg.singleFlight {
		return m.produce(ctx, key, producer, o)
	}
	ck := Fingerprint(key, o.Namespace)
	fctx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(string(ck), func() (any, error) {
		// A flight that finished between our miss and this call has
		// already stored the value.
		if val, ok := m.local.Get(ck); ok {
			m.stats.localHits.Add(1)
			return val, nil
		}
		return m.produce(fctx, key, producer, o)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (m *Manager) produce(ctx context.Context, key string, producer Producer, o Options) (any, error) {
	m.stats.producerCalls.Add(1)
	val, err := callProducer(ctx, producer)
	if err != nil {
		m.stats.producerErrors.Add(1)
		return nil, err
	}
	m.Set(ctx, key, val, o)
	return val, nil
}

// Warm runs Wrap for every entry concurrently, at most WithWarmConcurrency at
// a time. A failing or panicking producer is logged and counted; it never
// stops the other entries and is not returned.
func (m *Manager) Warm(ctx context.Context, entries []WarmEntry) WarmResult {
	var (
		g      errgroup.Group
		warmed atomic.Int64
		failed atomic.Int64
	)
	g.SetLimit(m.cfg.warmConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			if err := m.warmOne(ctx, entry); err != nil {
				failed.Add(1)
				m.stats.warmFailures.Add(1)
				m.logger.Warn("warming %q failed: %s", entry.Key, err)
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	g.Wait()
	result := WarmResult{Warmed: int(warmed.Load()), Failed: int(failed.Load())}
	m.logger.Debug("warmed %d entries, %d failed", result.Warmed, result.Failed)
	return result
}

func (m *Manager) warmOne(ctx context.Context, entry WarmEntry) error {
	_, err := m.Wrap(ctx, entry.Key, entry.Producer, entry.Options)
	return err
}

// callProducer turns a producer panic into an error. A shared flight runs
// the producer on its own goroutine, where a panic could not be recovered
// by the caller.
func callProducer(ctx context.Context, producer Producer) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, errors.Newf("producer panicked: %v", r)
		}
	}()
	return producer(ctx)
}

type breakerStater interface {
	BreakerState() resilience.CircuitBreakerState
}

// Counters returns the manager's counters and exact local occupancy without
// asking the shared tier anything. Shared is left zero.
func (m *Manager) Counters() Stats {
	s := m.stats.snapshot()
	s.InstanceID = m.id
	s.Local = m.local.Stats()
	return s
}

// Stats returns Counters plus whatever the shared tier reports about itself.
// It never fails; a shared tier that cannot be queried is reported as
// unavailable.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := m.Counters()
	info, err := m.shared.Info(ctx)
	if err != nil {
		s.Shared = SharedDiagnostics{
			UsedMemory:       Unavailable,
			ConnectedClients: Unavailable,
			Error:            err.Error(),
		}
	} else {
		s.Shared = ParseInfo(info)
	}
	if b, ok := m.shared.(breakerStater); ok {
		s.Shared.Breaker = b.BreakerState().String()
	}
	return s
}

// Close clears the local tier, stops its sweeper and closes the shared
// store. It is safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		m.local.Close()
		err = m.shared.Close()
		m.logger.Debug("closed")
	})
	return err
}
