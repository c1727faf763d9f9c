// Package postgres implements the session store on PostgreSQL via pgx.
// Row locking uses SELECT ... FOR UPDATE, so refresh rotation and key
// provisioning serialize per row rather than per database.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tokenlane/sessiond/internal/session/store"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db     *sql.DB
	q      queries
	tables store.Tables
}

// NewStore connects to the database at dsn (a pgx/libpq connection string).
// Table names in tables may be empty to use the defaults.
func NewStore(dsn string, tables store.Tables) (*Store, error) {
	tables, err := tables.Normalize()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, q: buildQueries(tables), tables: tables}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newTx(tx, s.q), nil
}

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
