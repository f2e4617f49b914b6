package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashLen is the number of hex characters of the payload digest kept in the key.
const hashLen = 16

// Derive computes a stable idempotency key from the execution context and
// payload. The key is `{tenant}_{user}_{action}_{payloadHash}` with empty
// components dropped, where payloadHash is the first 16 hex characters of the
// payload's sha256 digest. Identical inputs always yield the identical key, so
// a consumer can recognize a redelivered unit of work.
func Derive(tenantID, userID, actionName string, payload []byte) string {
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])[:hashLen]

	parts := make([]string, 0, 4)
	for _, p := range []string{tenantID, userID, actionName, digest} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}
