package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Blob layout constants. The encrypted output is
// base64(salt ‖ iv ‖ tag ‖ ciphertext); the fields are fixed-width so the
// decoder can slice them without any framing bytes.
const (
	saltLen = 64
	ivLen   = 16
	tagLen  = 16
)

// ErrDecrypt is returned for any malformed or tampered blob. Decryption
// fails closed: a single flipped byte anywhere in the blob yields this
// error, never silently wrong plaintext.
var ErrDecrypt = errors.New("cryptox: decryption failed")

// Encrypt seals plaintext under masterKey with AES-256-GCM.
//
// A fresh salt and IV are generated per call; the AES key is derived from
// masterKey+salt via PBKDF2-SHA512, so the master key itself never touches
// the cipher directly and identical plaintexts encrypt to unrelated blobs.
func Encrypt(plaintext, masterKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: failed to generate salt: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cryptox: failed to generate iv: %w", err)
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	// Seal returns ciphertext‖tag; the wire layout wants the tag before the
	// ciphertext, so split and reorder.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, saltLen+ivLen+tagLen+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any structural defect or authentication
// failure returns ErrDecrypt.
func Decrypt(blob, masterKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < saltLen+ivLen+tagLen {
		return "", ErrDecrypt
	}

	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : saltLen+ivLen+tagLen]
	ct := raw[saltLen+ivLen+tagLen:]

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	// Reassemble into Go's ciphertext‖tag ordering for Open.
	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func newGCM(masterKey string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(masterKey), salt, kdfIterations, derivedKeyLen, sha512.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create GCM: %w", err)
	}
	return gcm, nil
}
