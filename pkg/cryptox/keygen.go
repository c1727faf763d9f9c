package cryptox

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations is the PBKDF2 iteration count used for both key
	// generation and the per-blob encryption key derivation. The input is
	// already high-entropy random material, so iterations only need to be
	// non-trivial, not password-grade.
	kdfIterations = 100

	// derivedKeyLen is the AES-256 key size in bytes.
	derivedKeyLen = 32

	// keygenSeedLen is the size of each random seed buffer fed to the KDF.
	keygenSeedLen = 64
)

// GenerateKey derives a fresh high-entropy key, returned base64-encoded.
//
// Two independent 64-byte random buffers are stretched through
// PBKDF2-SHA512. Neither buffer is a real password; running them through
// the KDF just means the output key is not a direct copy of any single
// random read.
func GenerateKey() (string, error) {
	seed := make([]byte, keygenSeedLen)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("cryptox: failed to read key seed: %w", err)
	}

	salt := make([]byte, keygenSeedLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: failed to read key salt: %w", err)
	}

	key := pbkdf2.Key(seed, salt, kdfIterations, derivedKeyLen, sha512.New)
	return base64.StdEncoding.EncodeToString(key), nil
}
