package normalize

import (
	"crypto/sha256"
	"encoding/hex"
)

// Dedup removes duplicates by derived key, keeping the first occurrence of
// each key in the original order.
func Dedup[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		k := key(it)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, it)
	}
	return out
}

// HashBody returns the lowercase hex SHA-256 of a response body, the key
// used for content-level dedup of stored bodies.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
