package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Caseline-Labs/caseline/core/pkg/canonical"
)

// Fingerprint computes a stable hash over the operation, target path and
// normalized request body. JSON bodies are canonicalized (RFC 8785) first,
// so the fingerprint is deterministic regardless of member ordering inside
// the body; non-JSON bodies hash as raw bytes.
func Fingerprint(method, path string, body []byte) string {
	normalized := body
	if len(body) > 0 {
		if c, err := canonical.Transform(body); err == nil {
			normalized = c
		}
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}
