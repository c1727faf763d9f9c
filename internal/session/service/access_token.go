// Package service implements the session engine: token issuance and
// verification, the refresh/rotation protocol with theft detection, and
// background cleanup of expired sessions.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tokenlane/sessiond/internal/session/domain"
	"github.com/tokenlane/sessiond/internal/session/keys"
	"github.com/tokenlane/sessiond/pkg/jwtx"
)

// accessTokenClaims is the signed access-token payload. Field names are
// part of the wire format.
type accessTokenClaims struct {
	SessionHandle           string          `json:"sessionHandle"`
	UserID                  domain.UserID   `json:"userId"`
	RefreshTokenHash1       string          `json:"rt"`
	AntiCSRFToken           string          `json:"antiCsrfToken,omitempty"`
	ParentRefreshTokenHash1 string          `json:"prt,omitempty"`
	ExpiryTime              int64           `json:"expiryTime"`
	UserPayload             json.RawMessage `json:"userPayload,omitempty"`
}

// AccessTokenInfo is the verified content of an access token.
type AccessTokenInfo struct {
	SessionHandle     string
	UserID            domain.UserID
	RefreshTokenHash1 string

	// AntiCSRFToken is empty when anti-CSRF protection is disabled.
	AntiCSRFToken string

	// ParentRefreshTokenHash1 is set only while the token's refresh token
	// is an unpromoted child of the session's current lineage parent.
	ParentRefreshTokenHash1 string

	ExpiryTime  time.Time
	UserPayload json.RawMessage
}

// AccessTokenService mints and verifies access tokens. Access tokens are
// self-contained and never persisted; they die by expiry or by the signing
// key changing.
type AccessTokenService struct {
	keys     *keys.SigningKeyManager
	validity time.Duration
	antiCSRF bool
	now      func() time.Time
}

func NewAccessTokenService(km *keys.SigningKeyManager, validity time.Duration, antiCSRF bool) *AccessTokenService {
	return &AccessTokenService{keys: km, validity: validity, antiCSRF: antiCSRF, now: time.Now}
}

// Create signs a fresh access token. Expiry is now plus the configured
// validity.
func (s *AccessTokenService) Create(ctx context.Context, info AccessTokenInfo) (domain.TokenInfo, error) {
	key, err := s.keys.GetKey(ctx)
	if err != nil {
		return domain.TokenInfo{}, err
	}

	expiry := s.now().Add(s.validity)
	token, err := jwtx.Create(accessTokenClaims{
		SessionHandle:           info.SessionHandle,
		UserID:                  info.UserID,
		RefreshTokenHash1:       info.RefreshTokenHash1,
		AntiCSRFToken:           info.AntiCSRFToken,
		ParentRefreshTokenHash1: info.ParentRefreshTokenHash1,
		ExpiryTime:              expiry.UnixMilli(),
		UserPayload:             info.UserPayload,
	}, key)
	if err != nil {
		return domain.TokenInfo{}, fmt.Errorf("create access token: %w", err)
	}

	return domain.TokenInfo{Token: token, Expiry: expiry}, nil
}

// Parse verifies an access token and validates its claims. Every failure
// surfaces as ErrTryRefreshToken: an unusable access token is cheap to
// reissue against the refresh token the client already holds.
//
// A signature failure is retried exactly once after dropping the cached
// signing key, which recovers the case where another process rotated the
// key after this process last cached it.
func (s *AccessTokenService) Parse(ctx context.Context, token string) (AccessTokenInfo, error) {
	claims, err := s.verify(ctx, token)
	if errors.Is(err, jwtx.ErrVerification) {
		s.keys.Invalidate()
		claims, err = s.verify(ctx, token)
	}
	if errors.Is(err, jwtx.ErrVerification) {
		return AccessTokenInfo{}, fmt.Errorf("access token verification: %w", domain.ErrTryRefreshToken)
	}
	if err != nil {
		return AccessTokenInfo{}, err
	}

	if claims.SessionHandle == "" || claims.UserID.IsZero() || claims.RefreshTokenHash1 == "" || claims.ExpiryTime == 0 {
		return AccessTokenInfo{}, fmt.Errorf("access token missing required fields: %w", domain.ErrTryRefreshToken)
	}
	if s.antiCSRF && claims.AntiCSRFToken == "" {
		return AccessTokenInfo{}, fmt.Errorf("access token missing anti-csrf token: %w", domain.ErrTryRefreshToken)
	}

	expiry := time.UnixMilli(claims.ExpiryTime)
	if expiry.Before(s.now()) {
		return AccessTokenInfo{}, fmt.Errorf("access token expired: %w", domain.ErrTryRefreshToken)
	}

	return AccessTokenInfo{
		SessionHandle:           claims.SessionHandle,
		UserID:                  claims.UserID,
		RefreshTokenHash1:       claims.RefreshTokenHash1,
		AntiCSRFToken:           claims.AntiCSRFToken,
		ParentRefreshTokenHash1: claims.ParentRefreshTokenHash1,
		ExpiryTime:              expiry,
		UserPayload:             claims.UserPayload,
	}, nil
}

func (s *AccessTokenService) verify(ctx context.Context, token string) (accessTokenClaims, error) {
	key, err := s.keys.GetKey(ctx)
	if err != nil {
		return accessTokenClaims{}, err
	}

	var claims accessTokenClaims
	if err := jwtx.Verify(token, key, &claims); err != nil {
		return accessTokenClaims{}, err
	}
	return claims, nil
}
