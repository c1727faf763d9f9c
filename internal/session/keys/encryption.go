package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/pkg/cryptox"
)

// EncryptionKeyManager caches the refresh-token encryption key. Unlike the
// signing key this one never rotates: refresh tokens are opaque ciphertext
// and rotating their key would strand every outstanding session.
type EncryptionKeyManager struct {
	store store.Store
	now   func() time.Time

	mu     sync.Mutex
	cached *cachedKey
}

// NewEncryptionKeyManager constructs the manager and provisions the key
// immediately so startup fails fast when the store is unreachable.
func NewEncryptionKeyManager(ctx context.Context, st store.Store) (*EncryptionKeyManager, error) {
	e := &EncryptionKeyManager{store: st, now: time.Now}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.provisionLocked(ctx); err != nil {
		return nil, fmt.Errorf("provision encryption key: %w", err)
	}
	return e, nil
}

// GetKey returns the refresh-token encryption key, provisioning it on
// first use.
func (e *EncryptionKeyManager) GetKey(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached == nil {
		if err := e.provisionLocked(ctx); err != nil {
			return "", fmt.Errorf("provision encryption key: %w", err)
		}
	}
	return e.cached.value, nil
}

func (e *EncryptionKeyManager) provisionLocked(ctx context.Context) error {
	return e.store.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Keys().GetKeyForUpdate(ctx, EncryptionKeyName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// fall through to generation
		case err != nil:
			return err
		default:
			e.cached = &cachedKey{value: row.Value, createdAt: row.CreatedAt}
			return nil
		}

		value, err := cryptox.GenerateKey()
		if err != nil {
			return err
		}

		fresh := store.KeyRow{
			Name:      EncryptionKeyName,
			Value:     value,
			CreatedAt: e.now().UnixMilli(),
		}
		if err := tx.Keys().UpsertKey(ctx, fresh); err != nil {
			return err
		}

		e.cached = &cachedKey{value: fresh.Value, createdAt: fresh.CreatedAt}
		return nil
	})
}
