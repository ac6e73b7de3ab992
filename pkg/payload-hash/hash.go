// Package payloadhash computes stable content digests and size estimates
// for request and response payloads.
//
// Digests are stable across JSON key ordering: two structurally equal
// objects always produce the same digest, no matter how their keys were
// ordered on the wire.
package payloadhash

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Unhashable is the digest returned when a payload cannot be serialized.
// It deliberately never collides with a hex digest.
const Unhashable = "unhashable"

// SizeUnknown is returned by Size when a payload cannot be serialized.
// Callers must treat it as larger than any configured ceiling.
const SizeUnknown = -1

// Digest returns the SHA-256 hex digest of a payload.
// If the payload parses as JSON, it is canonicalized first by decoding and
// re-encoding: encoding/json writes object keys in sorted order at every
// nesting depth, while array order is preserved. Anything else is hashed
// as raw bytes.
func Digest(payload []byte) string {
	if len(payload) == 0 {
		return hash(nil)
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return hash(payload)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return Unhashable
	}
	return hash(canonical)
}

// DigestValue digests an arbitrary Go value.
// Strings and byte slices are digested directly, everything else is
// serialized to canonical JSON first. Serialization failure yields the
// Unhashable sentinel instead of an error.
func DigestValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return hash(nil)
	case []byte:
		return Digest(val)
	case string:
		return Digest([]byte(val))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Unhashable
		}
		return Digest(b)
	}
}

// Size returns the serialized byte length of a payload, or SizeUnknown if
// the payload cannot be serialized.
func Size(v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case []byte:
		return len(val)
	case string:
		return len(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return SizeUnknown
		}
		return len(b)
	}
}

func hash(b []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(b))
}
