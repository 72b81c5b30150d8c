package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

const fingerprintBytes = 8

// Fingerprint returns a short, stable hex digest of a secret. Two secrets with the same
// fingerprint are treated as the same credential; the secret itself is never kept.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// Sha256Hex computes the SHA256 hash of an input string and returns it as a hex-encoded string.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
