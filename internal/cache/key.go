// Package cache implements the two-tier result cache: a bounded in-process
// LRU tier backed by a shared store, keyed by deterministic hashes of
// logical keys.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// keyLength is the hex length cache keys are truncated to. 32 hex chars of
// sha256 keep collisions negligible at this cache's scale.
const keyLength = 32

// Key hashes a logical key to a fixed-length cache key. String keys hash
// directly; structured keys are canonicalized first — json.Marshal emits
// map keys in sorted order at every nesting level, so equal maps always
// produce equal keys regardless of insertion order.
func Key(logical any) (string, error) {
	var raw []byte
	switch v := logical.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", errors.Wrap(err, "canonicalize cache key")
		}
		raw = encoded
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:keyLength], nil
}
