package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tokenlane/sessiond/internal/session/store"
)

type sessionsRepo struct {
	db   dbtx
	q    queries
	inTx bool
}

func (r *sessionsRepo) CreateSession(ctx context.Context, row store.SessionRow) error {
	_, err := r.db.ExecContext(ctx, r.q.insertSession,
		row.Handle, row.UserID, row.RefreshTokenHash2, row.Data, row.ExpiresAt, row.TokenPayload)
	return err
}

func (r *sessionsRepo) GetSessionForUpdate(ctx context.Context, handle string) (store.SessionRow, error) {
	if !r.inTx {
		return store.SessionRow{}, store.ErrNoTransaction
	}

	// The transaction already holds the database write lock (_txlock=
	// immediate), which is sqlite's equivalent of a row lock here.
	var row store.SessionRow
	err := r.db.QueryRowContext(ctx, r.q.getSession, handle).Scan(
		&row.Handle, &row.UserID, &row.RefreshTokenHash2,
		&row.Data, &row.ExpiresAt, &row.TokenPayload,
	)
	if err != nil {
		return store.SessionRow{}, mapNotFound(err)
	}
	return row, nil
}

func (r *sessionsRepo) UpdateSession(ctx context.Context, handle, refreshTokenHash2, data string, expiresAt int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q.updateSession, refreshTokenHash2, data, expiresAt, handle)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, handle string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q.deleteSession, handle)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sessionsRepo) GetSessionData(ctx context.Context, handle string) (string, error) {
	var data string
	if err := r.db.QueryRowContext(ctx, r.q.getSessionData, handle).Scan(&data); err != nil {
		return "", mapNotFound(err)
	}
	return data, nil
}

func (r *sessionsRepo) UpdateSessionData(ctx context.Context, handle, data string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q.updateData, data, handle)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sessionsRepo) SessionExists(ctx context.Context, handle string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.q.sessionExists, handle).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *sessionsRepo) ListHandlesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.q.listHandles, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now int64) error {
	_, err := r.db.ExecContext(ctx, r.q.deleteExpired, now)
	return err
}
