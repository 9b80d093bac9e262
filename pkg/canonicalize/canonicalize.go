// Package canonicalize produces the deterministic JSON encoding and
// hash every hash-bearing field in the substrate is built from:
// snapshot_hash and config snapshot_hash go through Hash, and the
// bytes fed into HMAC and Ed25519 signing go through JSON, so that two
// callers serializing the same logical value always agree on its bytes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every hash this package produces so a
// reader can tell a canonical hash apart from an arbitrary hex string
// at a glance.
const HashPrefix = "sha256:"

// JSON marshals v to plain JSON and then rewrites it into RFC 8785
// canonical form (sorted object keys, minimal number formatting, no
// insignificant whitespace).
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return canon, nil
}

// Hash returns the "sha256:<hex>" digest of v's canonical JSON
// encoding. This is the policy snapshot_hash, the config snapshot_hash
// and the policy evaluation cache key used throughout the substrate.
func Hash(v interface{}) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// MustHash panics on marshal failure. Reserved for call sites where v
// is a value already known to be JSON-serializable (e.g. a struct with
// no function or channel fields); never use on caller-supplied data.
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes hashes raw bytes that are already canonical JSON, skipping
// the transform step. Used when the caller already produced canonical
// bytes via JSON and wants the digest without re-transforming.
func HashBytes(canonicalJSON []byte) string {
	sum := sha256.Sum256(canonicalJSON)
	return HashPrefix + hex.EncodeToString(sum[:])
}
