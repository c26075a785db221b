package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
	logger    logger.Logger

	purgeFailures atomic.Uint64
}

var _ SharedStore = (*sqliteStore)(nil)

// NewSQLite returns a SharedStore backed by a SQLite database file, for
// processes on one host sharing a tier without Redis. If dbPath is empty or
// ":memory:", a private in-memory database is used. Expired rows are purged
// every WithSweepInterval.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (SharedStore, error) {
	cfg := applyOptions(opts)
	memory := dbPath == "" || dbPath == ":memory:"
	if memory {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, sharedError(err, "open")
	}
	if memory {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			logical_key TEXT NOT NULL,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, sharedError(err, "init")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &sqliteStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    cfg,
		logger: cfg.logger.WithPrefix("[sqlite]"),
	}
	if cfg.sweepInterval > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c, nil
}

func (c *sqliteStore) do(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	spanCtx, span := tracer.Start(ctx, "shared."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	defer span.End()
	qctx, cancel := context.WithTimeout(spanCtx, c.cfg.queryTimeout)
	defer cancel()
	if err := fn(qctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return sharedError(err, op)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *sqliteStore) Get(ctx context.Context, key CacheKey) ([]byte, time.Duration, bool, error) {
	var (
		data      []byte
		expiresAt int64
		found     bool
	)
	now := c.cfg.now()
	err := c.do(ctx, "get", func(qctx context.Context) error {
		err := c.db.QueryRowContext(qctx,
			`SELECT value, expires_at FROM entries WHERE key = ? AND expires_at > ?`, string(key), now.UnixNano(),
		).Scan(&data, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return err
	}, attribute.String("cache.key", string(key)))
	if err != nil || !found {
		return nil, 0, false, err
	}
	return data, time.Unix(0, expiresAt).Sub(now), true, nil
}

func (c *sqliteStore) Set(ctx context.Context, entry SharedEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}
	expiresAt := c.cfg.now().Add(ttl).UnixNano()
	return c.do(ctx, "set", func(qctx context.Context) error {
		_, err := c.db.ExecContext(qctx,
			`INSERT INTO entries (key, namespace, logical_key, value, expires_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET namespace = excluded.namespace, logical_key = excluded.logical_key,
				value = excluded.value, expires_at = excluded.expires_at`,
			string(entry.Key), entry.Namespace, entry.LogicalKey, entry.Data, expiresAt,
		)
		return err
	}, attribute.String("cache.key", string(entry.Key)), attribute.String("cache.namespace", entry.Namespace))
}

func (c *sqliteStore) Delete(ctx context.Context, namespace string, keys ...CacheKey) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = string(key)
	}
	query := `DELETE FROM entries WHERE key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
	return c.do(ctx, "delete", func(qctx context.Context) error {
		_, err := c.db.ExecContext(qctx, query, args...)
		return err
	}, attribute.String("cache.namespace", namespace), attribute.Int("cache.keys", len(keys)))
}

func (c *sqliteStore) ScanKeys(ctx context.Context, namespace string, pattern string) ([]CacheKey, error) {
	var keys []CacheKey
	now := c.cfg.now().UnixNano()
	err := c.do(ctx, "scan", func(qctx context.Context) error {
		// instr is a literal substring test, unlike LIKE.
		rows, err := c.db.QueryContext(qctx,
			`SELECT key FROM entries WHERE namespace = ? AND instr(logical_key, ?) > 0 AND expires_at > ?`,
			namespace, pattern, now,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, CacheKey(key))
		}
		return rows.Err()
	}, attribute.String("cache.namespace", namespace), attribute.String("cache.pattern", pattern))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Info reports the row count and database size in the same key:value form
// as Redis INFO, so ParseInfo can read used_memory_human from it.
func (c *sqliteStore) Info(ctx context.Context) (string, error) {
	var (
		version          string
		entries          int64
		pages, pageBytes int64
	)
	err := c.do(ctx, "info", func(qctx context.Context) error {
		if err := c.db.QueryRowContext(qctx, `SELECT sqlite_version()`).Scan(&version); err != nil {
			return err
		}
		if err := c.db.QueryRowContext(qctx, `SELECT count(*) FROM entries WHERE expires_at > ?`, c.cfg.now().UnixNano()).Scan(&entries); err != nil {
			return err
		}
		if err := c.db.QueryRowContext(qctx, `PRAGMA page_count`).Scan(&pages); err != nil {
			return err
		}
		return c.db.QueryRowContext(qctx, `PRAGMA page_size`).Scan(&pageBytes)
	})
	if err != nil {
		return "", err
	}
	size := pages * pageBytes
	return fmt.Sprintf("# SQLite\r\nsqlite_version:%s\r\nentries:%d\r\npurge_failures:%d\r\nused_memory:%d\r\nused_memory_human:%.2fK\r\n",
		version, entries, c.purgeFailures.Load(), size, float64(size)/1024), nil
}

func (c *sqliteStore) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		dbErr = c.db.Close()
	})
	return dbErr
}

func (c *sqliteStore) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *sqliteStore) purge() {
	res, err := c.db.ExecContext(c.ctx, `DELETE FROM entries WHERE expires_at <= ?`, c.cfg.now().UnixNano())
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.purgeFailures.Add(1)
		c.logger.Warn("purge of expired entries failed: %s", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		c.logger.Trace("purged %d expired entries", n)
	}
}
