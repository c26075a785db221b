package cache

import "context"

// Memoize returns fn with read-through caching in front of it. keyFn names
// the cache key for an argument; every call shares o.
//
//	getUser := cache.Memoize(m, func(id int) string { return fmt.Sprintf("user:%d", id) },
//	    cache.Options{Namespace: "users"}, repo.GetUser)
//	user, err := getUser(ctx, 42)
func Memoize[A any, T any](m *Manager, keyFn func(A) string, o Options, fn func(ctx context.Context, arg A) (T, error)) func(ctx context.Context, arg A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return WrapAs(ctx, m, keyFn(arg), func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		}, o)
	}
}
