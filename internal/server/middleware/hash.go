package middleware

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSecret returns the hex SHA-256 digest of a secret so keys are compared
// without holding them in plaintext.
func HashSecret(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
