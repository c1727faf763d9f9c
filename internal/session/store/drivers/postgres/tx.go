package postgres

import (
	"context"
	"database/sql"

	"github.com/tokenlane/sessiond/internal/session/store"
)

type txStore struct {
	tx *sql.Tx
	q  queries
}

func newTx(tx *sql.Tx, q queries) *txStore {
	return &txStore{tx: tx, q: q}
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // caller commits/rolls back; outer DB stays open

func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	// Nested transactions are not supported.
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

func (t *txStore) ApplyMigrations() error { return sql.ErrTxDone }

func (t *txStore) Sessions() store.Sessions { return &sessionsRepo{db: t.tx, q: t.q, inTx: true} }
func (t *txStore) Keys() store.Keys         { return &keysRepo{db: t.tx, q: t.q, inTx: true} }
