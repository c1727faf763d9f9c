// Package keys owns the lifecycle of the two shared token keys: the HMAC
// signing key for access tokens and the encryption key for refresh tokens.
//
// Both keys live in a shared key-value table so every process of a
// deployment signs and decrypts with the same material. Provisioning is
// race safe: the generating transaction holds a row lock on the key row,
// so when several processes race to mint a key exactly one generation
// wins and the rest observe the committed row.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tokenlane/sessiond/internal/session/metrics"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/pkg/cryptox"
)

// Key row names in the shared key table.
const (
	SigningKeyName    = "access_token_signing_key"
	EncryptionKeyName = "refresh_token_key"
)

// GetterFunc supplies the signing key from outside the store, e.g. from a
// secrets manager. When configured it replaces DB-backed provisioning
// entirely.
type GetterFunc func(ctx context.Context) (string, error)

// SigningKeyConfig controls access-token signing key behaviour.
type SigningKeyConfig struct {
	// Dynamic enables timed rotation of the signing key. Rotation
	// invalidates all access tokens minted under the previous key, which
	// clients recover from via their refresh tokens.
	Dynamic bool

	// UpdateInterval is the rotation period when Dynamic is set.
	UpdateInterval time.Duration

	// Getter, when non-nil, bypasses the store and delegates every key
	// lookup to the caller.
	Getter GetterFunc
}

type cachedKey struct {
	value     string
	createdAt int64 // unix millis
}

// SigningKeyManager caches the current access-token signing key per
// process. The cache is process local; staleness against the shared store
// is resolved lazily through Invalidate and the rotation check in GetKey.
type SigningKeyManager struct {
	store store.Store
	cfg   SigningKeyConfig
	m     *metrics.Metrics
	now   func() time.Time

	mu     sync.Mutex
	cached *cachedKey
}

// NewSigningKeyManager constructs the manager and, unless a custom getter
// is configured, provisions the key immediately so startup fails fast when
// the store is unreachable. m may be nil.
func NewSigningKeyManager(ctx context.Context, st store.Store, cfg SigningKeyConfig, m *metrics.Metrics) (*SigningKeyManager, error) {
	s := &SigningKeyManager{store: st, cfg: cfg, m: m, now: time.Now}

	if cfg.Getter == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.provisionLocked(ctx); err != nil {
			return nil, fmt.Errorf("provision signing key: %w", err)
		}
	}
	return s, nil
}

// GetKey returns the current signing key, provisioning or rotating it
// first when needed.
func (s *SigningKeyManager) GetKey(ctx context.Context) (string, error) {
	if s.cfg.Getter != nil {
		key, err := s.cfg.Getter(ctx)
		if err != nil {
			return "", fmt.Errorf("user supplied signing key getter: %w", err)
		}
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil || s.rotationDue(s.cached.createdAt) {
		if err := s.provisionLocked(ctx); err != nil {
			return "", fmt.Errorf("provision signing key: %w", err)
		}
	}
	return s.cached.value, nil
}

// Invalidate drops the cached key without touching the store. The next
// GetKey call re-reads the shared row, picking up a key another process
// rotated. Used after a signature verification failure.
func (s *SigningKeyManager) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func (s *SigningKeyManager) rotationDue(createdAt int64) bool {
	if !s.cfg.Dynamic {
		return false
	}
	return s.now().UnixMilli() > createdAt+s.cfg.UpdateInterval.Milliseconds()
}

// provisionLocked reads the key row under a row lock and generates a fresh
// key only when the row is absent or itself past the rotation interval.
// The DB-side interval re-check is what keeps rotation safe across
// processes: a process whose cache merely expired may find that another
// process already rotated, and adopts that row instead of rotating again.
// Callers must hold s.mu.
func (s *SigningKeyManager) provisionLocked(ctx context.Context) error {
	var generated bool

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Keys().GetKeyForUpdate(ctx, SigningKeyName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// fall through to generation
		case err != nil:
			return err
		default:
			if !s.rotationDue(row.CreatedAt) {
				s.cached = &cachedKey{value: row.Value, createdAt: row.CreatedAt}
				return nil
			}
		}

		value, err := cryptox.GenerateKey()
		if err != nil {
			return err
		}

		fresh := store.KeyRow{
			Name:      SigningKeyName,
			Value:     value,
			CreatedAt: s.now().UnixMilli(),
		}
		if err := tx.Keys().UpsertKey(ctx, fresh); err != nil {
			return err
		}

		s.cached = &cachedKey{value: fresh.Value, createdAt: fresh.CreatedAt}
		generated = true
		return nil
	})
	if err != nil {
		return err
	}

	if generated && s.m != nil {
		s.m.KeyRotations.Inc()
	}
	return nil
}
