// Package jwtx implements the compact signed token format used for access
// tokens: base64(header).base64(payload).hex(hmac-sha256). The header is a
// fixed HS256 constant; there is deliberately no algorithm agility, so a
// token can never negotiate its own verification scheme.
//
// The signature segment is hex rather than base64url, which is why this
// codec is hand-rolled instead of delegating to an RFC 7515 library.
package jwtx

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tokenlane/sessiond/pkg/cryptox"
)

// Header is the fixed first segment of every token:
// base64 of {"alg":"HS256","typ":"JWT"}.
const Header = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"

// ErrVerification is returned for any malformed or badly signed token.
// Callers decide the interpretation; the codec does not distinguish why
// verification failed.
var ErrVerification = errors.New("jwtx: token verification failed")

// Create serializes payload to base64 JSON and signs header.payload with
// HMAC-SHA256 under key.
func Create(payload any, key string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	signature := cryptox.HMACSHA256(Header+"."+encoded, key)

	return Header + "." + encoded + "." + signature, nil
}

// Verify checks the token's structure and signature and unmarshals the
// payload segment into out. It fails closed: no part of the payload is
// trusted until the signature over header.payload checks out.
func Verify(token, key string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrVerification
	}
	if parts[0] != Header {
		return ErrVerification
	}
	if !cryptox.VerifyHMACSHA256(parts[0]+"."+parts[1], key, parts[2]) {
		return ErrVerification
	}

	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrVerification
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrVerification
	}
	return nil
}
