// Package domain holds the session engine's core value types and error
// taxonomy. It has no dependencies on storage or transport.
package domain

import (
	"encoding/json"
	"time"
)

// TokenInfo pairs a minted token with its expiry. Refresh-token expiry is
// tracked here and in the session row only, never inside the token payload
// itself.
type TokenInfo struct {
	Token  string
	Expiry time.Time
}

// SessionBundle is everything handed back to the transport layer when a
// session is created or refreshed.
type SessionBundle struct {
	Handle string
	UserID UserID

	// Data is the caller-supplied session payload, opaque to the engine.
	Data json.RawMessage

	AccessToken  TokenInfo
	RefreshToken TokenInfo

	// IDRefreshToken is a random marker with no cryptographic meaning. Its
	// sole purpose is to let the transport layer answer "does this client
	// have session cookies at all" without parsing anything sensitive.
	IDRefreshToken TokenInfo

	// AntiCSRFToken is empty when anti-CSRF protection is disabled.
	AntiCSRFToken string
}

// Session is the engine's view of a live session as seen by a verified
// request.
type Session struct {
	Handle string
	UserID UserID

	// TokenPayload is the caller-supplied payload embedded in every access
	// token issued for this session.
	TokenPayload json.RawMessage
}
