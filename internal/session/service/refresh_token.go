package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlane/sessiond/internal/session/domain"
	"github.com/tokenlane/sessiond/internal/session/keys"
	"github.com/tokenlane/sessiond/pkg/cryptox"
)

// refreshTokenClaims is the encrypted refresh-token payload. The nonce is
// duplicated outside the ciphertext so the two halves of a token cannot be
// mixed and matched.
type refreshTokenClaims struct {
	SessionHandle           string        `json:"sessionHandle"`
	UserID                  domain.UserID `json:"userId"`
	ParentRefreshTokenHash1 string        `json:"prt,omitempty"`
	Nonce                   string        `json:"nonce"`
}

// RefreshTokenInfo is the verified content of a refresh token.
type RefreshTokenInfo struct {
	SessionHandle string
	UserID        domain.UserID

	// ParentRefreshTokenHash1 is set on child tokens: the single hash of
	// the parent token this one was minted against.
	ParentRefreshTokenHash1 string
}

// RefreshTokenService mints and verifies refresh tokens. A refresh token
// is opaque ciphertext; the server learns nothing from one without the
// shared encryption key.
type RefreshTokenService struct {
	keys     *keys.EncryptionKeyManager
	validity time.Duration
	now      func() time.Time
}

func NewRefreshTokenService(km *keys.EncryptionKeyManager, validity time.Duration) *RefreshTokenService {
	return &RefreshTokenService{keys: km, validity: validity, now: time.Now}
}

// Create mints a refresh token. parentHash1 is empty for a lineage parent
// and the single hash of the parent token for a child.
func (s *RefreshTokenService) Create(ctx context.Context, sessionHandle string, userID domain.UserID, parentHash1 string) (domain.TokenInfo, error) {
	key, err := s.keys.GetKey(ctx)
	if err != nil {
		return domain.TokenInfo{}, err
	}

	nonce := cryptox.Hash(uuid.NewString())
	raw, err := json.Marshal(refreshTokenClaims{
		SessionHandle:           sessionHandle,
		UserID:                  userID,
		ParentRefreshTokenHash1: parentHash1,
		Nonce:                   nonce,
	})
	if err != nil {
		return domain.TokenInfo{}, fmt.Errorf("create refresh token: %w", err)
	}

	encrypted, err := cryptox.Encrypt(string(raw), key)
	if err != nil {
		return domain.TokenInfo{}, fmt.Errorf("create refresh token: %w", err)
	}

	return domain.TokenInfo{
		Token:  encrypted + "." + nonce,
		Expiry: s.now().Add(s.validity),
	}, nil
}

// Parse decrypts and validates a refresh token. Any defect is a hard
// ErrUnauthorized: there is a single non-rotating encryption key, so a
// token that fails here is forged, corrupted, or from a wiped deployment;
// no retry can save it.
func (s *RefreshTokenService) Parse(ctx context.Context, token string) (RefreshTokenInfo, error) {
	key, err := s.keys.GetKey(ctx)
	if err != nil {
		return RefreshTokenInfo{}, err
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return RefreshTokenInfo{}, fmt.Errorf("refresh token structure: %w", domain.ErrUnauthorized)
	}

	plaintext, err := cryptox.Decrypt(parts[0], key)
	if err != nil {
		return RefreshTokenInfo{}, fmt.Errorf("refresh token decrypt: %w", domain.ErrUnauthorized)
	}

	var claims refreshTokenClaims
	if err := json.Unmarshal([]byte(plaintext), &claims); err != nil {
		return RefreshTokenInfo{}, fmt.Errorf("refresh token payload: %w", domain.ErrUnauthorized)
	}

	if claims.Nonce == "" || subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(parts[1])) != 1 {
		return RefreshTokenInfo{}, fmt.Errorf("refresh token nonce mismatch: %w", domain.ErrUnauthorized)
	}
	if claims.SessionHandle == "" || claims.UserID.IsZero() {
		return RefreshTokenInfo{}, fmt.Errorf("refresh token missing required fields: %w", domain.ErrUnauthorized)
	}

	return RefreshTokenInfo{
		SessionHandle:           claims.SessionHandle,
		UserID:                  claims.UserID,
		ParentRefreshTokenHash1: claims.ParentRefreshTokenHash1,
	}, nil
}
