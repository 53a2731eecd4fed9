package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash computes the deterministic TraceHash of a canonical trace encoding.
//
// The input must already be a canonical encoding (ExecutionTrace.CanonicalJSON),
// so the hash covers the canonical event order rather than insertion order.
// sha256 over the bytes, hex-encoded.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
