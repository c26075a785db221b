package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/agentuity/tiercache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scanBatch = 100

// pruneScript removes index fields whose data key no longer exists. The
// existence check and HDEL run atomically so a concurrent Set that recreates
// the key keeps its field. KEYS[1] is the index, KEYS[i+1] the data key for
// ARGV[i].
var pruneScript = redis.NewScript(`
local n = 0
for i, field in ipairs(ARGV) do
	if redis.call('EXISTS', KEYS[i + 1]) == 0 then
		n = n + redis.call('HDEL', KEYS[1], field)
	end
end
return n
`)

type redisStore struct {
	client    redis.UniversalClient
	breaker   *resilience.CircuitBreaker
	cfg       config
	logger    logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var _ SharedStore = (*redisStore)(nil)

// NewRedis returns a SharedStore backed by Redis. Values are stored with
// plain SET/EX under the (optionally prefixed) fingerprint, and each
// namespace keeps a hash index of fingerprint to logical key so pattern
// invalidation scans one namespace instead of the keyspace. Index fields
// whose value has expired are pruned by ScanKeys and, every
// WithSweepInterval, by a background pass over all indexes.
//
// The caller owns the client lifecycle; Close is a no-op on the client.
func NewRedis(client redis.UniversalClient, opts ...Option) SharedStore {
	cfg := applyOptions(opts)
	breaker := cfg.breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &redisStore{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  cfg.logger.WithPrefix("[redis]"),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.sweepInterval > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c
}

// DialRedis parses a redis:// URL, connects and pings the server. The
// returned store owns the connection and closes it on Close.
func DialRedis(ctx context.Context, url string, opts ...Option) (SharedStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, sharedError(err, "ping")
	}
	s := NewRedis(client, opts...).(*redisStore)
	s.cfg.ownsClient = true
	return s, nil
}

func (c *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisStore) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisStore) dataKey(key CacheKey) string {
	return c.prefixKey(string(key))
}

func (c *redisStore) indexKey(namespace string) string {
	if namespace == "" {
		return c.prefixKey("idx")
	}
	return c.prefixKey("idx:" + namespace)
}

// do runs fn through the circuit breaker inside a client span. Any error is
// marked ErrSharedUnavailable.
func (c *redisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	spanCtx, span := tracer.Start(ctx, "shared."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()
	err := c.breaker.Execute(spanCtx, func(ctx context.Context) error {
		qctx, cancel := c.queryCtx(ctx)
		defer cancel()
		return fn(qctx)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return sharedError(err, op)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *redisStore) Get(ctx context.Context, key CacheKey) ([]byte, time.Duration, bool, error) {
	var (
		data  []byte
		ttl   time.Duration
		found bool
	)
	err := c.do(ctx, "get", func(qctx context.Context) error {
		k := c.dataKey(key)
		pipe := c.client.Pipeline()
		getCmd := pipe.Get(qctx, k)
		ttlCmd := pipe.PTTL(qctx, k)
		if _, err := pipe.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		b, err := getCmd.Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		data, found = b, true
		// PTTL replies -1 for no expiry and -2 for a key that vanished
		// between the two commands; both leave ttl unknown.
		if d := ttlCmd.Val(); d > 0 {
			ttl = d
		}
		return nil
	}, attribute.String("cache.key", string(key)))
	if err != nil {
		return nil, 0, false, err
	}
	return data, ttl, found, nil
}

func (c *redisStore) Set(ctx context.Context, entry SharedEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	return c.do(ctx, "set", func(qctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.Set(qctx, c.dataKey(entry.Key), entry.Data, ttl)
		pipe.HSet(qctx, c.indexKey(entry.Namespace), string(entry.Key), entry.LogicalKey)
		_, err := pipe.Exec(qctx)
		return err
	}, attribute.String("cache.key", string(entry.Key)), attribute.String("cache.namespace", entry.Namespace))
}

func (c *redisStore) Delete(ctx context.Context, namespace string, keys ...CacheKey) error {
	if len(keys) == 0 {
		return nil
	}
	dataKeys := make([]string, len(keys))
	fields := make([]string, len(keys))
	for i, key := range keys {
		dataKeys[i] = c.dataKey(key)
		fields[i] = string(key)
	}
	return c.do(ctx, "delete", func(qctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.Del(qctx, dataKeys...)
		pipe.HDel(qctx, c.indexKey(namespace), fields...)
		_, err := pipe.Exec(qctx)
		return err
	}, attribute.String("cache.namespace", namespace), attribute.Int("cache.keys", len(keys)))
}

func (c *redisStore) ScanKeys(ctx context.Context, namespace string, pattern string) ([]CacheKey, error) {
	var keys []CacheKey
	err := c.do(ctx, "scan", func(qctx context.Context) error {
		var err error
		keys, _, err = c.pruneIndex(qctx, c.indexKey(namespace), func(logical string) bool {
			return strings.Contains(logical, pattern)
		})
		return err
	}, attribute.String("cache.namespace", namespace), attribute.String("cache.pattern", pattern))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// pruneIndex walks one index hash, drops fields whose data key has expired
// and returns the live fields whose logical key satisfies match, along with
// the number of fields dropped.
func (c *redisStore) pruneIndex(ctx context.Context, index string, match func(logical string) bool) ([]CacheKey, int, error) {
	var (
		keys   []CacheKey
		pruned int
		cursor uint64
	)
	seen := make(map[string]bool)
	for {
		batch, next, err := c.client.HScan(ctx, index, cursor, "", scanBatch).Result()
		if err != nil {
			return nil, pruned, err
		}
		// HSCAN replies with alternating field and value. MATCH only applies
		// to fields, which are fingerprints, so the logical key is tested
		// here.
		var fields, logical []string
		for i := 0; i+1 < len(batch); i += 2 {
			if seen[batch[i]] {
				continue
			}
			seen[batch[i]] = true
			fields = append(fields, batch[i])
			logical = append(logical, batch[i+1])
		}
		if len(fields) > 0 {
			pipe := c.client.Pipeline()
			exists := make([]*redis.IntCmd, len(fields))
			for i, field := range fields {
				exists[i] = pipe.Exists(ctx, c.dataKey(CacheKey(field)))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, pruned, err
			}
			scriptKeys := []string{index}
			var stale []any
			for i, field := range fields {
				if exists[i].Val() == 0 {
					scriptKeys = append(scriptKeys, c.dataKey(CacheKey(field)))
					stale = append(stale, field)
					continue
				}
				if match(logical[i]) {
					keys = append(keys, CacheKey(field))
				}
			}
			if len(stale) > 0 {
				n, err := pruneScript.Run(ctx, c.client, scriptKeys, stale...).Int()
				if err != nil {
					return nil, pruned, err
				}
				pruned += n
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, pruned, nil
		}
	}
}

// indexPattern matches every index hash under this store's prefix.
func (c *redisStore) indexPattern() string {
	return globEscaper.Replace(c.prefixKey("idx")) + "*"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// prune drops stale fields from every index and returns how many it removed.
func (c *redisStore) prune(ctx context.Context) (int, error) {
	var total int
	err := c.do(ctx, "prune", func(qctx context.Context) error {
		iter := c.client.Scan(qctx, 0, c.indexPattern(), scanBatch).Iterator()
		for iter.Next(qctx) {
			_, n, err := c.pruneIndex(qctx, iter.Val(), func(string) bool { return false })
			if err != nil {
				return err
			}
			total += n
		}
		return iter.Err()
	})
	return total, err
}

func (c *redisStore) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			n, err := c.prune(c.ctx)
			switch {
			case err != nil && c.ctx.Err() == nil:
				c.logger.Warn("index prune failed: %s", err)
			case n > 0:
				c.logger.Trace("pruned %d expired index fields", n)
			}
		}
	}
}

func (c *redisStore) Info(ctx context.Context) (string, error) {
	var info string
	err := c.do(ctx, "info", func(qctx context.Context) error {
		var err error
		info, err = c.client.Info(qctx).Result()
		return err
	})
	return info, err
}

// BreakerState reports the circuit breaker guarding this store.
func (c *redisStore) BreakerState() resilience.CircuitBreakerState {
	return c.breaker.State()
}

// Close stops the background prune and closes the client only when the
// store was created by DialRedis. It is safe to call more than once.
func (c *redisStore) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		if c.cfg.ownsClient {
			err = c.client.Close()
		}
	})
	return err
}
