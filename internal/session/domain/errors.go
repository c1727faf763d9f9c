package domain

import (
	"errors"
	"fmt"
)

// The session engine surfaces exactly four kinds of failure. Callers branch
// with errors.Is / errors.As:
//
//   - ErrUnauthorized: the session is over — absent, expired, revoked, or
//     the refresh token is invalid. Clear all session state and force a new
//     login.
//   - ErrTryRefreshToken: the access token is unusable right now but the
//     session may still be alive. Attempt a refresh before giving up.
//   - TokenTheftError: unwraps to ErrUnauthorized, and additionally carries
//     the session handle and user id of the compromised lineage so the
//     caller can treat it as a security incident.
//   - anything else: a programming, configuration, or infrastructure fault.
var (
	ErrUnauthorized    = errors.New("session: unauthorized")
	ErrTryRefreshToken = errors.New("session: try refresh token")
)

// TokenTheftError signals that two parties appear to be using divergent
// branches of the same refresh-token lineage.
type TokenTheftError struct {
	SessionHandle string
	UserID        UserID
}

func (e *TokenTheftError) Error() string {
	return fmt.Sprintf("session: token theft detected for session %s", e.SessionHandle)
}

// Unwrap makes token theft a specialization of ErrUnauthorized.
func (e *TokenTheftError) Unwrap() error { return ErrUnauthorized }
