package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tokenlane/sessiond/internal/session/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewStore(dsn, store.Tables{})
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRow(handle, userID string) store.SessionRow {
	return store.SessionRow{
		Handle:            handle,
		UserID:            userID,
		RefreshTokenHash2: "hash2-" + handle,
		Data:              `{"k":"v"}`,
		ExpiresAt:         time.Now().Add(time.Hour).UnixMilli(),
		TokenPayload:      `{"role":"admin"}`,
	}
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := sampleRow("h1", "user-1")
	require.NoError(t, s.Sessions().CreateSession(ctx, row))

	exists, err := s.Sessions().SessionExists(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Sessions().SessionExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := s.Sessions().GetSessionData(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, data)

	n, err := s.Sessions().UpdateSessionData(ctx, "h1", `{"k":"v2"}`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	data, err = s.Sessions().GetSessionData(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v2"}`, data)

	n, err = s.Sessions().UpdateSessionData(ctx, "missing", "{}")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = s.Sessions().GetSessionData(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err = s.Sessions().DeleteSession(ctx, "h1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.Sessions().DeleteSession(ctx, "h1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestGetSessionForUpdateRequiresTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Sessions().GetSessionForUpdate(ctx, "h1")
	assert.ErrorIs(t, err, store.ErrNoTransaction)

	_, err = s.Keys().GetKeyForUpdate(ctx, "some_key")
	assert.ErrorIs(t, err, store.ErrNoTransaction)
}

func TestSessionUpdateInTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sessions().CreateSession(ctx, sampleRow("h1", "user-1")))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Sessions().GetSessionForUpdate(ctx, "h1")
		if err != nil {
			return err
		}

		_, err = tx.Sessions().UpdateSession(ctx, row.Handle, "rotated-hash2", row.Data, row.ExpiresAt)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Sessions().GetSessionForUpdate(ctx, "h1")
		if err != nil {
			return err
		}
		assert.Equal(t, "rotated-hash2", row.RefreshTokenHash2)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Sessions().CreateSession(ctx, sampleRow("h1", "user-1")); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	exists, err := s.Sessions().SessionExists(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNestedTransactionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Tx(ctx)
		return err
	})
	assert.Error(t, err)
}

func TestListHandlesForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Sessions().CreateSession(ctx, sampleRow("h1", "user-1")))
	require.NoError(t, s.Sessions().CreateSession(ctx, sampleRow("h2", "user-1")))
	require.NoError(t, s.Sessions().CreateSession(ctx, sampleRow("h3", "user-2")))

	handles, err := s.Sessions().ListHandlesForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, handles)

	handles, err = s.Sessions().ListHandlesForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()

	stale := sampleRow("old", "user-1")
	stale.ExpiresAt = now - 1000
	fresh := sampleRow("new", "user-1")
	fresh.ExpiresAt = now + 1000

	require.NoError(t, s.Sessions().CreateSession(ctx, stale))
	require.NoError(t, s.Sessions().CreateSession(ctx, fresh))

	require.NoError(t, s.Sessions().DeleteExpiredSessions(ctx, now))

	exists, err := s.Sessions().SessionExists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = s.Sessions().SessionExists(ctx, "new")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestKeyUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Keys().GetKeyForUpdate(ctx, "access_token_signing_key")
		assert.ErrorIs(t, err, store.ErrNotFound)

		return tx.Keys().UpsertKey(ctx, store.KeyRow{
			Name:      "access_token_signing_key",
			Value:     "k1",
			CreatedAt: 100,
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Keys().GetKeyForUpdate(ctx, "access_token_signing_key")
		if err != nil {
			return err
		}
		assert.Equal(t, "k1", row.Value)
		assert.EqualValues(t, 100, row.CreatedAt)

		return tx.Keys().UpsertKey(ctx, store.KeyRow{
			Name:      "access_token_signing_key",
			Value:     "k2",
			CreatedAt: 200,
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		row, err := tx.Keys().GetKeyForUpdate(ctx, "access_token_signing_key")
		if err != nil {
			return err
		}
		assert.Equal(t, "k2", row.Value)
		assert.EqualValues(t, 200, row.CreatedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentWriteTransactionsSerialize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Every pooled connection must carry the busy timeout; otherwise the
	// losers of the write-lock race fail with SQLITE_BUSY instead of
	// queueing behind the winner.
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithTx(ctx, func(tx store.Tx) error {
				_, err := tx.Keys().GetKeyForUpdate(ctx, "refresh_token_key")
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				time.Sleep(10 * time.Millisecond)
				return tx.Keys().UpsertKey(ctx, store.KeyRow{
					Name:      "refresh_token_key",
					Value:     fmt.Sprintf("k%d", i),
					CreatedAt: int64(i),
				})
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.Keys().GetKeyForUpdate(ctx, "refresh_token_key")
		return err
	})
	require.NoError(t, err)
}

func TestCustomTableNames(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "custom.db")
	s, err := NewStore(dsn, store.Tables{Sessions: "my_sessions", Keys: "my_keys"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ApplyMigrations())

	ctx := context.Background()
	require.NoError(t, s.Sessions().CreateSession(ctx, sampleRow("h1", "user-1")))

	exists, err := s.Sessions().SessionExists(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInvalidTableNameRejected(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "bad.db"), store.Tables{Sessions: "drop table; --"})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
