// Package cryptox contains the crypto primitives used by the session engine:
// digest helpers for token fingerprints, HMAC signing, key generation and the
// authenticated encryption scheme that backs refresh tokens.
package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the hex-encoded SHA-256 digest of text.
//
// This is a fast fingerprint, not a password hash. Tokens already carry
// enough entropy and rotate frequently, so a tunable KDF would only add
// latency on every request.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 returns the hex-encoded HMAC-SHA256 of text under key.
// It is used exclusively for signing the compact token structure.
func HMACSHA256(text, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 reports whether sig is the HMAC-SHA256 of text under key,
// using a constant-time comparison.
func VerifyHMACSHA256(text, key, sig string) bool {
	expected := HMACSHA256(text, key)
	return hmac.Equal([]byte(expected), []byte(sig))
}
