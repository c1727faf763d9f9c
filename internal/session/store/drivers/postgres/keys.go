package postgres

import (
	"context"

	"github.com/tokenlane/sessiond/internal/session/store"
)

type keysRepo struct {
	db   dbtx
	q    queries
	inTx bool
}

func (r *keysRepo) GetKeyForUpdate(ctx context.Context, name string) (store.KeyRow, error) {
	if !r.inTx {
		return store.KeyRow{}, store.ErrNoTransaction
	}

	var row store.KeyRow
	err := r.db.QueryRowContext(ctx, r.q.getKeyLock, name).Scan(&row.Name, &row.Value, &row.CreatedAt)
	if err != nil {
		return store.KeyRow{}, mapNotFound(err)
	}
	return row, nil
}

func (r *keysRepo) UpsertKey(ctx context.Context, row store.KeyRow) error {
	_, err := r.db.ExecContext(ctx, r.q.upsertKey, row.Name, row.Value, row.CreatedAt)
	return err
}
