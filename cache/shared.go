package cache

import (
	"context"
	"time"
)

// SharedEntry is a serialized value bound for the shared tier, along with
// the key metadata the adapter indexes for pattern invalidation.
type SharedEntry struct {
	Key        CacheKey
	LogicalKey string
	Namespace  string
	Data       []byte
}

// SharedStore is the contract over the remote key/value tier. Every method
// may fail with connectivity, timeout or protocol errors; implementations
// mark such failures with ErrSharedUnavailable.
type SharedStore interface {
	// Get returns the serialized value and its remaining lifetime. A missing
	// key is found=false with a nil error.
	Get(ctx context.Context, key CacheKey) (data []byte, ttl time.Duration, found bool, err error)
	// Set stores the entry with an absolute ttl.
	Set(ctx context.Context, entry SharedEntry, ttl time.Duration) error
	// Delete removes keys belonging to namespace.
	Delete(ctx context.Context, namespace string, keys ...CacheKey) error
	// ScanKeys returns the keys in namespace whose logical key contains
	// pattern as a substring.
	ScanKeys(ctx context.Context, namespace string, pattern string) ([]CacheKey, error)
	// Info returns the store's unstructured operational report.
	Info(ctx context.Context) (string, error)
	// Close releases the connection if the adapter owns it.
	Close() error
}
