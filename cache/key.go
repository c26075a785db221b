package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyLength is the number of hex characters in a CacheKey.
const KeyLength = 16

// CacheKey is the fixed-length fingerprint both tiers are keyed by.
type CacheKey string

// Fingerprint derives the CacheKey for a logical key within a namespace. An
// empty namespace is the global namespace and hashes the logical key alone.
//
// The digest is SHA-256 truncated to 64 bits, which keeps keys short while
// collisions stay negligible for realistic key counts.
func Fingerprint(key string, namespace string) CacheKey {
	input := key
	if namespace != "" {
		input = namespace + ":" + key
	}
	sum := sha256.Sum256([]byte(input))
	return CacheKey(hex.EncodeToString(sum[:KeyLength/2]))
}

func (k CacheKey) String() string {
	return string(k)
}
