package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentuity/tiercache/resilience"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedEntry(key string, ns string, data string) SharedEntry {
	return SharedEntry{Key: Fingerprint(key, ns), LogicalKey: key, Namespace: ns, Data: []byte(data)}
}

func TestRedisSetGet(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("test"))
	defer s.Close()
	ctx := context.Background()

	// Miss on empty store.
	data, ttl, found, err := s.Get(ctx, Fingerprint("key", ""))
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
	assert.Zero(t, ttl)

	require.NoError(t, s.Set(ctx, sharedEntry("key", "", "value"), time.Minute))
	data, ttl, found, err = s.Get(ctx, Fingerprint("key", ""))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), data)
	assert.Equal(t, time.Minute, ttl)
}

func TestRedisDefaultTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithDefaultTTL(90*time.Second))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, sharedEntry("key", "", "value"), 0))
	assert.Equal(t, 90*time.Second, mr.TTL(string(Fingerprint("key", ""))))
}

func TestRedisExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, sharedEntry("key", "", "value"), 2*time.Second))
	mr.FastForward(time.Second)
	_, ttl, found, err := s.Get(ctx, Fingerprint("key", ""))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, time.Second, ttl)

	mr.FastForward(2 * time.Second)
	_, _, found, err = s.Get(ctx, Fingerprint("key", ""))
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisKeyLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	prefixed := NewRedis(client, WithPrefix("app"))
	require.NoError(t, prefixed.Set(ctx, sharedEntry("user:42", "users", "alice"), time.Minute))
	fp := string(Fingerprint("user:42", "users"))
	assert.True(t, mr.Exists("app:"+fp))
	assert.Equal(t, "user:42", mr.HGet("app:idx:users", fp))

	bare := NewRedis(client)
	require.NoError(t, bare.Set(ctx, sharedEntry("motd", "", "hello"), time.Minute))
	fp = string(Fingerprint("motd", ""))
	assert.True(t, mr.Exists(fp))
	assert.Equal(t, "motd", mr.HGet("idx", fp))
}

func TestRedisDelete(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, sharedEntry("a", "ns", "1"), time.Minute))
	require.NoError(t, s.Set(ctx, sharedEntry("b", "ns", "2"), time.Minute))
	require.NoError(t, s.Delete(ctx, "ns", Fingerprint("a", "ns"), Fingerprint("b", "ns"), Fingerprint("missing", "ns")))

	_, _, found, err := s.Get(ctx, Fingerprint("a", "ns"))
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, mr.HGet("test:idx:ns", string(Fingerprint("a", "ns"))))
	assert.Empty(t, mr.HGet("test:idx:ns", string(Fingerprint("b", "ns"))))

	// Deleting nothing is a no-op.
	assert.NoError(t, s.Delete(ctx, "ns"))
}

func TestRedisScanKeys(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("test"))
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, s.Set(ctx, sharedEntry(fmt.Sprintf("user:%d", i), "users", "x"), time.Minute))
	}
	require.NoError(t, s.Set(ctx, sharedEntry("order:1", "users", "x"), time.Minute))
	require.NoError(t, s.Set(ctx, sharedEntry("user:1", "admins", "x"), time.Minute))

	keys, err := s.ScanKeys(ctx, "users", "user:")
	require.NoError(t, err)
	assert.Len(t, keys, 250)
	assert.NotContains(t, keys, Fingerprint("order:1", "users"))
	assert.NotContains(t, keys, Fingerprint("user:1", "admins"))

	keys, err = s.ScanKeys(ctx, "users", "user:12")
	require.NoError(t, err)
	// user:12 and user:120..129
	assert.Len(t, keys, 11)

	keys, err = s.ScanKeys(ctx, "orders", "user:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisScanKeysPrunesExpiredIndexFields(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("test"), WithSweepInterval(0))
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Set(ctx, sharedEntry(fmt.Sprintf("req:%d", i), "reqs", "x"), time.Second))
	}
	require.NoError(t, s.Set(ctx, sharedEntry("req:keep", "reqs", "x"), time.Hour))
	fields, err := mr.HKeys("test:idx:reqs")
	require.NoError(t, err)
	require.Len(t, fields, 1001)

	mr.FastForward(2 * time.Second)

	keys, err := s.ScanKeys(ctx, "reqs", "req:")
	require.NoError(t, err)
	assert.Equal(t, []CacheKey{Fingerprint("req:keep", "reqs")}, keys)
	fields, _ = mr.HKeys("test:idx:reqs")
	assert.Equal(t, []string{string(Fingerprint("req:keep", "reqs"))}, fields)
}

func TestRedisBackgroundPrune(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("bg"), WithSweepInterval(10*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(ctx, sharedEntry(fmt.Sprintf("a:%d", i), "a", "x"), time.Second))
		require.NoError(t, s.Set(ctx, sharedEntry(fmt.Sprintf("b:%d", i), "", "x"), time.Second))
	}
	require.NoError(t, s.Set(ctx, sharedEntry("live", "a", "x"), time.Hour))
	mr.FastForward(2 * time.Second)

	assert.Eventually(t, func() bool {
		global, _ := mr.HKeys("bg:idx")
		namespaced, _ := mr.HKeys("bg:idx:a")
		return len(global) == 0 && len(namespaced) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "live", mr.HGet("bg:idx:a", string(Fingerprint("live", "a"))))
}

func TestRedisIndexPatternEscapesPrefix(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("app[1]*"), WithSweepInterval(0)).(*redisStore)
	assert.Equal(t, `app\[1\]\*:idx*`, s.indexPattern())

	s = NewRedis(client, WithSweepInterval(0)).(*redisStore)
	assert.Equal(t, "idx*", s.indexPattern())
}

func TestRedisCloseTwice(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client, WithSweepInterval(10*time.Millisecond))
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	// The caller's client is left open.
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisScanKeysLiteralGlob(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, sharedEntry("report[*]", "", "x"), time.Minute))
	require.NoError(t, s.Set(ctx, sharedEntry("report-1", "", "x"), time.Minute))

	keys, err := s.ScanKeys(ctx, "", "[*]")
	require.NoError(t, err)
	assert.Equal(t, []CacheKey{Fingerprint("report[*]", "")}, keys)
}

func TestRedisErrorsAreMarked(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client)
	ctx := context.Background()
	mr.SetError("ERR unavailable")

	_, _, found, err := s.Get(ctx, Fingerprint("key", ""))
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrSharedUnavailable))

	err = s.Set(ctx, sharedEntry("key", "", "x"), time.Minute)
	assert.True(t, errors.Is(err, ErrSharedUnavailable))

	_, err = s.ScanKeys(ctx, "", "key")
	assert.True(t, errors.Is(err, ErrSharedUnavailable))

	_, err = s.Info(ctx)
	assert.True(t, errors.Is(err, ErrSharedUnavailable))
}

func TestRedisBreakerOpens(t *testing.T) {
	mr, client := newTestRedis(t)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute})
	s := NewRedis(client, WithBreaker(cb))
	ctx := context.Background()
	mr.SetError("ERR unavailable")

	for i := 0; i < 2; i++ {
		_, _, _, err := s.Get(ctx, Fingerprint("key", ""))
		assert.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, s.(*redisStore).BreakerState())

	// Redis is back, but the open breaker short-circuits until its timeout.
	mr.SetError("")
	_, _, _, err := s.Get(ctx, Fingerprint("key", ""))
	assert.True(t, errors.Is(err, resilience.ErrCircuitBreakerOpen))
	assert.True(t, errors.Is(err, ErrSharedUnavailable))
}

func TestRedisInfo(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedis(client)

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info, "connected_clients:")
}

func TestDialRedis(t *testing.T) {
	mr, _ := newTestRedis(t)
	ctx := context.Background()

	s, err := DialRedis(ctx, "redis://"+mr.Addr()+"/0", WithPrefix("dial"))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, sharedEntry("key", "", "value"), time.Minute))
	assert.True(t, mr.Exists("dial:"+string(Fingerprint("key", ""))))

	// The dialed store owns its client.
	require.NoError(t, s.Close())
	_, _, _, err = s.Get(ctx, Fingerprint("key", ""))
	assert.Error(t, err)
}

func TestDialRedisBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "http://nope")
	assert.Error(t, err)
}
