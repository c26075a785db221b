// Package cache provides a two-tier cache: a bounded in-process tier in
// front of a shared Redis tier, with read-through helpers, pattern
// invalidation and batch warming.
//
// # Tiers
//
//   - [LocalStore]: in-process, bounded to [WithLocalCapacity] entries and
//     evicting the least recently used one when full. Entries expire after
//     [WithLocalTTL] without a read (sliding expiration), and never outlive
//     the TTL they were written with. Values are stored as-is.
//
//   - [SharedStore]: the remote tier, shared across processes. [NewRedis]
//     implements it on [github.com/redis/go-redis/v9]: values are msgpack
//     encoded and stored with SET/EX under the key fingerprint, so they expire
//     strictly by absolute TTL. Each call is bounded by [WithQueryTimeout] and
//     guarded by a circuit breaker, so an unreachable Redis costs one fast
//     failure per call once the breaker opens. [NewSQLite] provides the same
//     tier over a SQLite file for processes sharing one host.
//
// # Keys
//
// Both tiers are keyed by a [CacheKey], the first 16 hex characters of the
// SHA-256 of "namespace:key" (or "key" in the global namespace); see
// [Fingerprint]. The local tier keeps the logical key and namespace alongside
// each entry, and the Redis adapter keeps a per-namespace hash of fingerprint
// to logical key, so [Manager.InvalidatePattern] can match on the original
// key without scanning the whole keyspace.
//
// # Manager
//
// [New] builds a [Manager] over a SharedStore:
//
//	shared, err := cache.DialRedis(ctx, "redis://localhost:6379/0", cache.WithPrefix("myapp"))
//	if err != nil {
//	    return err
//	}
//	m, err := cache.New(ctx, log, shared)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
// [Manager.Get] checks the local tier, then the shared tier, filling the
// local tier on a shared hit. [Manager.Set] writes both. [Manager.Wrap] and
// the typed [WrapAs] are read-through helpers:
//
//	user, err := cache.WrapAs(ctx, m, "user:42", func(ctx context.Context) (User, error) {
//	    return repo.GetUser(ctx, 42)
//	}, cache.Options{Namespace: "users", TTL: time.Minute})
//
// Concurrent misses on the same key share one producer call. Pass
// [WithoutSingleFlight] to let each caller run its own. [Memoize] turns any
// single-argument function into a cached one.
//
// [Manager.Warm] fills many keys concurrently and reports how many failed
// without returning their errors.
//
// # Failure Handling
//
// The cache is never the reason a request fails:
//
//   - A shared-tier read failure is a miss.
//   - A shared-tier write failure, or a value msgpack cannot encode, leaves
//     the value in the local tier only. The two are logged differently and
//     counted separately in [Stats] (SharedErrors and SerializationErrors).
//   - Producer errors are returned by Wrap as-is and never cached.
//
// Invalidation is the exception: [Manager.Invalidate] and
// [Manager.InvalidatePattern] always clear the local tier, but return an
// error marked [ErrSharedUnavailable] if the shared tier could not be
// cleared, because other processes would keep reading the stale value. Use
// [WithFailOpenInvalidation] to log and continue instead.
//
// # Consistency
//
// There is no coordination between Manager instances. Concurrent writers to
// a key race with last-write-wins in Redis, and another process's local
// tier may serve a value for up to its local lifetime after the key was
// invalidated elsewhere.
package cache
