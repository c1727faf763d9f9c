// Package sqlite implements the session store on modernc.org/sqlite.
//
// SQLite has no SELECT ... FOR UPDATE; the same serialization is obtained
// by opening every transaction with an immediate write lock (_txlock), so
// two provisioning or rotation transactions cannot interleave their
// read-then-write sequences.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/tokenlane/sessiond/internal/session/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db     *sql.DB
	q      queries
	tables store.Tables
}

// NewStore opens (or creates) the database at dsn. Table names in tables
// may be empty to use the defaults.
func NewStore(dsn string, tables store.Tables) (*Store, error) {
	tables, err := tables.Normalize()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", withConnDefaults(dsn))
	if err != nil {
		return nil, err
	}

	return &Store{db: db, q: buildQueries(tables), tables: tables}, nil
}

// withConnDefaults forces immediate (write-locking) transactions and a busy
// timeout unless the DSN already chose them. Both must ride in the DSN so
// every pooled connection gets them; concurrent immediate transactions
// surface as SQLITE_BUSY, and the timeout makes the loser wait instead of
// failing so racing provisioners serialize.
func withConnDefaults(dsn string) string {
	if !strings.Contains(dsn, "_txlock=") {
		dsn = appendParam(dsn, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_pragma=busy_timeout") {
		dsn = appendParam(dsn, "_pragma=busy_timeout(5000)")
	}
	return dsn
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx starts a read/write transaction and returns a Tx-scoped Store.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newTx(tx, s.q), nil
}

// WithTx executes fn within a transaction, automatically handling
// commit/rollback. The deferred rollback also covers panics, so a
// transaction is never abandoned holding the write lock.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Sessions() store.Sessions { return &sessionsRepo{db: s.db, q: s.q} }
func (s *Store) Keys() store.Keys         { return &keysRepo{db: s.db, q: s.q} }

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
