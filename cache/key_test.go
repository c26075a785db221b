package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestFingerprintFormat(t *testing.T) {
	for _, ns := range []string{"", "users"} {
		key := Fingerprint("user:42", ns)
		assert.Regexp(t, hexKey, key.String())
		assert.Len(t, string(key), KeyLength)
	}
}

func TestFingerprintStable(t *testing.T) {
	assert.Equal(t, Fingerprint("user:42", "users"), Fingerprint("user:42", "users"))
	assert.Equal(t, Fingerprint("user:42", ""), Fingerprint("user:42", ""))
}

func TestFingerprintDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("users:user:42"))
	assert.Equal(t, CacheKey(hex.EncodeToString(sum[:8])), Fingerprint("user:42", "users"))

	sum = sha256.Sum256([]byte("user:42"))
	assert.Equal(t, CacheKey(hex.EncodeToString(sum[:8])), Fingerprint("user:42", ""))
}

func TestFingerprintDistinct(t *testing.T) {
	seen := make(map[CacheKey]string)
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("user:%d", i)
		fp := Fingerprint(key, "users")
		if prev, ok := seen[fp]; ok {
			t.Fatalf("%q and %q share fingerprint %s", prev, key, fp)
		}
		seen[fp] = key
	}
	assert.NotEqual(t, Fingerprint("user:42", "users"), Fingerprint("user:42", "orders"))
	assert.NotEqual(t, Fingerprint("user:42", "users"), Fingerprint("user:42", ""))
}
