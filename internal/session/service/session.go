package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlane/sessiond/internal/session/domain"
	"github.com/tokenlane/sessiond/internal/session/metrics"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/pkg/cryptox"
	"github.com/tokenlane/sessiond/pkg/idx"
)

// SessionConfig is the protocol-level configuration of the orchestrator.
type SessionConfig struct {
	// AntiCSRF requires every getSession call to supply the anti-CSRF
	// token minted with the session.
	AntiCSRF bool

	// Blacklisting makes getSession check the session row on every call,
	// so revocation takes effect immediately at the cost of a read per
	// request. Without it a revoked session's access tokens stay usable
	// until they expire.
	Blacklisting bool

	// RefreshValidity is the sliding session lifetime; each rotation and
	// promotion extends the row's expiry by this much from now.
	RefreshValidity time.Duration

	// RevokeOnTheft deletes the whole session when theft is detected,
	// instead of only reporting it.
	RevokeOnTheft bool
}

// SessionService is the protocol orchestrator. Every mutation of a
// session's lineage parent happens inside a row-locking transaction, so
// concurrent refresh and promotion calls for one session serialize at the
// store.
type SessionService struct {
	store   store.Store
	access  *AccessTokenService
	refresh *RefreshTokenService
	m       *metrics.Metrics
	logger  *slog.Logger
	cfg     SessionConfig
	now     func() time.Time
}

func NewSessionService(st store.Store, access *AccessTokenService, refresh *RefreshTokenService, m *metrics.Metrics, logger *slog.Logger, cfg SessionConfig) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		store:   st,
		access:  access,
		refresh: refresh,
		m:       m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreateSession starts a new session for userID. tokenPayload is embedded
// in every access token; sessionData is stored server-side only. Both may
// be nil.
func (s *SessionService) CreateSession(ctx context.Context, userID domain.UserID, tokenPayload, sessionData json.RawMessage) (domain.SessionBundle, error) {
	storageID, err := userID.StorageValue()
	if err != nil {
		return domain.SessionBundle{}, err
	}

	handle := idx.New().String()

	refreshTok, err := s.refresh.Create(ctx, handle, userID, "")
	if err != nil {
		return domain.SessionBundle{}, err
	}

	var antiCSRF string
	if s.cfg.AntiCSRF {
		antiCSRF = uuid.NewString()
	}

	accessTok, err := s.access.Create(ctx, AccessTokenInfo{
		SessionHandle:     handle,
		UserID:            userID,
		RefreshTokenHash1: cryptox.Hash(refreshTok.Token),
		AntiCSRFToken:     antiCSRF,
		UserPayload:       tokenPayload,
	})
	if err != nil {
		return domain.SessionBundle{}, err
	}

	// Only a hash of a hash of the refresh token is persisted: neither the
	// stored value nor the single hash embedded in access tokens can be
	// turned into the other.
	err = s.store.Sessions().CreateSession(ctx, store.SessionRow{
		Handle:            handle,
		UserID:            storageID,
		RefreshTokenHash2: cryptox.Hash(cryptox.Hash(refreshTok.Token)),
		Data:              string(sessionData),
		ExpiresAt:         refreshTok.Expiry.UnixMilli(),
		TokenPayload:      string(tokenPayload),
	})
	if err != nil {
		return domain.SessionBundle{}, fmt.Errorf("persist session: %w", err)
	}

	if s.m != nil {
		s.m.SessionsCreated.Inc()
	}

	return domain.SessionBundle{
		Handle:         handle,
		UserID:         userID,
		Data:           sessionData,
		AccessToken:    accessTok,
		RefreshToken:   refreshTok,
		IDRefreshToken: domain.TokenInfo{Token: uuid.NewString(), Expiry: refreshTok.Expiry},
		AntiCSRFToken:  antiCSRF,
	}, nil
}

// GetSession verifies an access token and returns the session it belongs
// to. When the token was minted for a not-yet-promoted child refresh token
// the session row is promoted here and a replacement access token is
// returned; the caller must hand it to the client.
func (s *SessionService) GetSession(ctx context.Context, accessToken, antiCSRFToken string) (domain.Session, *domain.TokenInfo, error) {
	info, err := s.access.Parse(ctx, accessToken)
	if err != nil {
		return domain.Session{}, nil, err
	}

	if s.cfg.AntiCSRF {
		if antiCSRFToken == "" || subtle.ConstantTimeCompare([]byte(antiCSRFToken), []byte(info.AntiCSRFToken)) != 1 {
			return domain.Session{}, nil, fmt.Errorf("anti-csrf token mismatch: %w", domain.ErrTryRefreshToken)
		}
	}

	session := domain.Session{
		Handle:       info.SessionHandle,
		UserID:       info.UserID,
		TokenPayload: info.UserPayload,
	}

	if s.cfg.Blacklisting {
		exists, err := s.store.Sessions().SessionExists(ctx, info.SessionHandle)
		if err != nil {
			return domain.Session{}, nil, err
		}
		if !exists {
			return domain.Session{}, nil, fmt.Errorf("session is over or was revoked: %w", domain.ErrUnauthorized)
		}
	}

	// Fast path: the token's refresh token is already the lineage parent.
	if info.ParentRefreshTokenHash1 == "" {
		return session, nil, nil
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Sessions().GetSessionForUpdate(ctx, info.SessionHandle)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session missing: %w", domain.ErrUnauthorized)
		}
		if err != nil {
			return err
		}

		promote := row.RefreshTokenHash2 == cryptox.Hash(info.ParentRefreshTokenHash1)
		// A concurrent call may have promoted this token's refresh token
		// already, in which case its own hash is the stored parent.
		current := row.RefreshTokenHash2 == cryptox.Hash(info.RefreshTokenHash1)
		if !promote && !current {
			return fmt.Errorf("refresh token no longer current: %w", domain.ErrUnauthorized)
		}

		if promote {
			expiresAt := s.now().Add(s.cfg.RefreshValidity).UnixMilli()
			if _, err := tx.Sessions().UpdateSession(ctx, row.Handle, cryptox.Hash(info.RefreshTokenHash1), row.Data, expiresAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, nil, err
	}

	// The replacement token drops the parent hash so subsequent calls take
	// the fast path.
	fresh, err := s.access.Create(ctx, AccessTokenInfo{
		SessionHandle:     info.SessionHandle,
		UserID:            info.UserID,
		RefreshTokenHash1: info.RefreshTokenHash1,
		AntiCSRFToken:     info.AntiCSRFToken,
		UserPayload:       info.UserPayload,
	})
	if err != nil {
		return domain.Session{}, nil, err
	}

	return session, &fresh, nil
}

// RefreshSession rotates a refresh token, returning a full new token
// bundle. A valid, unexpired token that is neither the session's current
// parent nor a direct child of it signals theft and surfaces as a
// TokenTheftError.
func (s *SessionService) RefreshSession(ctx context.Context, refreshToken string) (domain.SessionBundle, error) {
	info, err := s.refresh.Parse(ctx, refreshToken)
	if err != nil {
		s.countRefresh(metrics.RefreshOutcomeDenied)
		return domain.SessionBundle{}, err
	}

	// A child token is first promoted to parent, then rotated on the
	// second pass. One retry is always enough: after promotion the token
	// is the stored parent by construction.
	for attempt := 0; attempt < 2; attempt++ {
		bundle, promoted, err := s.refreshOnce(ctx, refreshToken, info)
		if err != nil {
			return domain.SessionBundle{}, err
		}
		if promoted {
			continue
		}
		return bundle, nil
	}
	return domain.SessionBundle{}, errors.New("session: refresh did not settle after promotion")
}

func (s *SessionService) refreshOnce(ctx context.Context, refreshToken string, info RefreshTokenInfo) (domain.SessionBundle, bool, error) {
	hash1 := cryptox.Hash(refreshToken)
	hash2 := cryptox.Hash(hash1)

	var (
		row      store.SessionRow
		promoted bool
		theft    bool
	)

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.Sessions().GetSessionForUpdate(ctx, info.SessionHandle)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session missing: %w", domain.ErrUnauthorized)
		}
		if err != nil {
			return err
		}

		if r.ExpiresAt < s.now().UnixMilli() {
			return fmt.Errorf("session expired: %w", domain.ErrUnauthorized)
		}
		// Unreachable without a forged token or corrupted row.
		if !domain.ParseStorageValue(r.UserID).Equal(info.UserID) {
			return fmt.Errorf("user id mismatch: %w", domain.ErrUnauthorized)
		}

		switch {
		case r.RefreshTokenHash2 == hash2:
			// The token is the current parent; rotation happens after
			// commit, no row mutation needed here.
			row = r
			return nil

		case info.ParentRefreshTokenHash1 != "" && cryptox.Hash(info.ParentRefreshTokenHash1) == r.RefreshTokenHash2:
			// Unconsumed child of the current parent: promote it. Only the
			// legitimate holder could have derived it from the real parent.
			expiresAt := s.now().Add(s.cfg.RefreshValidity).UnixMilli()
			if _, err := tx.Sessions().UpdateSession(ctx, r.Handle, hash2, r.Data, expiresAt); err != nil {
				return err
			}
			promoted = true
			return nil

		default:
			// Valid and session-matching, but outside the lineage: someone
			// is replaying a branch the legitimate client already rotated
			// past. Commit so a configured revocation sticks.
			theft = true
			if s.cfg.RevokeOnTheft {
				if _, err := tx.Sessions().DeleteSession(ctx, r.Handle); err != nil {
					return err
				}
			}
			return nil
		}
	})
	if err != nil {
		s.countRefresh(metrics.RefreshOutcomeDenied)
		return domain.SessionBundle{}, false, err
	}

	if theft {
		s.countRefresh(metrics.RefreshOutcomeTheft)
		if s.m != nil {
			s.m.TokenThefts.Inc()
		}
		s.logger.WarnContext(ctx, "refresh token theft detected",
			"session_handle", info.SessionHandle,
			"user_id", info.UserID.String(),
			"revoked", s.cfg.RevokeOnTheft,
		)
		return domain.SessionBundle{}, false, &domain.TokenTheftError{
			SessionHandle: info.SessionHandle,
			UserID:        info.UserID,
		}
	}

	if promoted {
		s.countRefresh(metrics.RefreshOutcomePromoted)
		return domain.SessionBundle{}, true, nil
	}

	// Rotate: mint the next-generation child. It is not stored; its
	// legitimacy is proven later by its parent hash matching the row.
	child, err := s.refresh.Create(ctx, info.SessionHandle, info.UserID, hash1)
	if err != nil {
		return domain.SessionBundle{}, false, err
	}

	var antiCSRF string
	if s.cfg.AntiCSRF {
		antiCSRF = uuid.NewString()
	}

	accessTok, err := s.access.Create(ctx, AccessTokenInfo{
		SessionHandle:           info.SessionHandle,
		UserID:                  info.UserID,
		RefreshTokenHash1:       cryptox.Hash(child.Token),
		AntiCSRFToken:           antiCSRF,
		ParentRefreshTokenHash1: hash1,
		UserPayload:             rawOrNil(row.TokenPayload),
	})
	if err != nil {
		return domain.SessionBundle{}, false, err
	}

	s.countRefresh(metrics.RefreshOutcomeRotated)

	return domain.SessionBundle{
		Handle:         info.SessionHandle,
		UserID:         info.UserID,
		Data:           rawOrNil(row.Data),
		AccessToken:    accessTok,
		RefreshToken:   child,
		IDRefreshToken: domain.TokenInfo{Token: uuid.NewString(), Expiry: child.Expiry},
		AntiCSRFToken:  antiCSRF,
	}, false, nil
}

// RevokeSession deletes a session, reporting whether it existed.
func (s *SessionService) RevokeSession(ctx context.Context, handle string) (bool, error) {
	n, err := s.store.Sessions().DeleteSession(ctx, handle)
	if err != nil {
		return false, err
	}
	if n > 0 && s.m != nil {
		s.m.SessionsRevoked.Inc()
	}
	return n > 0, nil
}

// RevokeAllForUser revokes every session of a user. Deletions are
// independent, not a batch: a failure on one handle does not stop the
// rest. Returns the handles actually revoked.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID domain.UserID) ([]string, error) {
	storageID, err := userID.StorageValue()
	if err != nil {
		return nil, err
	}

	handles, err := s.store.Sessions().ListHandlesForUser(ctx, storageID)
	if err != nil {
		return nil, err
	}

	var revoked []string
	var errs []error
	for _, handle := range handles {
		ok, err := s.RevokeSession(ctx, handle)
		if err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", handle, err))
			continue
		}
		if ok {
			revoked = append(revoked, handle)
		}
	}
	return revoked, errors.Join(errs...)
}

// GetSessionData reads the server-side session payload.
func (s *SessionService) GetSessionData(ctx context.Context, handle string) (json.RawMessage, error) {
	data, err := s.store.Sessions().GetSessionData(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session missing: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	return rawOrNil(data), nil
}

// UpdateSessionData replaces the server-side session payload.
func (s *SessionService) UpdateSessionData(ctx context.Context, handle string, data json.RawMessage) error {
	n, err := s.store.Sessions().UpdateSessionData(ctx, handle, string(data))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session missing: %w", domain.ErrUnauthorized)
	}
	return nil
}

// ListHandlesForUser lists the live session handles of a user.
func (s *SessionService) ListHandlesForUser(ctx context.Context, userID domain.UserID) ([]string, error) {
	storageID, err := userID.StorageValue()
	if err != nil {
		return nil, err
	}
	return s.store.Sessions().ListHandlesForUser(ctx, storageID)
}

func (s *SessionService) countRefresh(outcome string) {
	if s.m != nil {
		s.m.Refreshes.WithLabelValues(outcome).Inc()
	}
}

// rawOrNil converts a stored payload column back to JSON, mapping the
// empty string to nil rather than an invalid zero-length RawMessage.
func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
