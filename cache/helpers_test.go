package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/tiercache/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type testManager struct {
	*Manager
	mr     *miniredis.Miniredis
	client *redis.Client
	log    *logger.TestLogger
	clock  *fakeClock
}

// newTestManager builds a Manager over miniredis with a fake local clock and
// no background sweeper. Advance the clock and call mr.FastForward together
// to move both tiers forward.
func newTestManager(t *testing.T, opts ...Option) *testManager {
	t.Helper()
	mr, client := newTestRedis(t)
	clock := newFakeClock()
	log := logger.NewTestLogger()
	base := []Option{WithClock(clock.Now), WithSweepInterval(0), WithPrefix("test")}
	opts = append(base, opts...)
	m, err := New(context.Background(), log, NewRedis(client, opts...), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &testManager{Manager: m, mr: mr, client: client, log: log, clock: clock}
}

func (tm *testManager) advance(d time.Duration) {
	tm.clock.Advance(d)
	tm.mr.FastForward(d)
}
