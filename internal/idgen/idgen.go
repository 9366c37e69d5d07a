// Package idgen provides random identifiers for persisted records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars, e.g. "sub_9f2c...".
// Prefixes make ids self-describing in logs and audit records.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of crypto randomness hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
