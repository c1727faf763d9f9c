// Package store defines the transactional data access layer the session
// engine depends on. Concrete drivers (sqlite, postgres) implement Store.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrNoTransaction is returned by row-locking reads invoked outside a
	// transaction. Key provisioning and refresh rotation are only correct
	// when the read-for-update and the write commit atomically.
	ErrNoTransaction = errors.New("store: operation requires a transaction")
)

// SessionRow is the persisted form of a session. The refresh token itself
// is never stored; RefreshTokenHash2 is the hash-of-hash of the current
// lineage parent.
type SessionRow struct {
	Handle            string
	UserID            string // storage-encoded, see domain.UserID
	RefreshTokenHash2 string
	Data              string // serialized JSON or empty string
	ExpiresAt         int64  // epoch millis
	TokenPayload      string // serialized JSON or empty string
}

// KeyRow is one signing or encryption key in the shared key-value table.
type KeyRow struct {
	Name      string
	Value     string
	CreatedAt int64 // epoch millis
}

// Store is the root data access interface. It exposes sub-repositories to
// keep concerns tidy and testable, and a transaction entry point for the
// multi-step operations that must be atomic (refresh rotation, key
// provisioning).
type Store interface {
	Sessions() Sessions
	Keys() Keys

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. This is the
	// recommended entry point; the rollback runs in a defer, so a
	// connection abandoned mid-transaction is never handed back to the
	// pool still holding locks.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases underlying resources. Idempotent.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Sessions interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, row SessionRow) error

	// GetSessionForUpdate returns a session row under a row lock. MUST be
	// called inside a transaction so concurrent refresh/promotion attempts
	// on the same session serialize; returns ErrNoTransaction otherwise.
	GetSessionForUpdate(ctx context.Context, handle string) (SessionRow, error)

	// UpdateSession replaces the lineage parent hash, session data, and
	// expiry. Returns the number of affected rows.
	UpdateSession(ctx context.Context, handle, refreshTokenHash2, data string, expiresAt int64) (int64, error)

	// DeleteSession removes a session row. Returns affected rows.
	DeleteSession(ctx context.Context, handle string) (int64, error)

	// GetSessionData returns the serialized session data.
	GetSessionData(ctx context.Context, handle string) (string, error)

	// UpdateSessionData replaces the serialized session data. Returns
	// affected rows.
	UpdateSessionData(ctx context.Context, handle, data string) (int64, error)

	// SessionExists reports whether a row exists for the handle. Absence of
	// the row is the blacklisting signal.
	SessionExists(ctx context.Context, handle string) (bool, error)

	// ListHandlesForUser returns the handles of all sessions belonging to a
	// storage-encoded user id.
	ListHandlesForUser(ctx context.Context, userID string) ([]string, error)

	// DeleteExpiredSessions removes rows whose expiry is at or before now
	// (epoch millis).
	DeleteExpiredSessions(ctx context.Context, now int64) error
}

type Keys interface {
	// GetKeyForUpdate returns a key row under a row lock so concurrent
	// key-provisioning transactions serialize. MUST be called inside a
	// transaction; returns ErrNoTransaction otherwise.
	GetKeyForUpdate(ctx context.Context, name string) (KeyRow, error)

	// UpsertKey inserts or replaces a key row.
	UpsertKey(ctx context.Context, row KeyRow) error
}
