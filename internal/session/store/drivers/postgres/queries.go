package postgres

import (
	"fmt"

	"github.com/tokenlane/sessiond/internal/session/store"
)

// queries holds the SQL text for the configured table names. Table names
// are validated identifiers (store.Tables.Normalize), so interpolating them
// into the statements is safe.
type queries struct {
	insertSession  string
	getSessionLock string
	updateSession  string
	deleteSession  string
	getSessionData string
	updateData     string
	sessionExists  string
	listHandles    string
	deleteExpired  string
	getKeyLock     string
	upsertKey      string
}

func buildQueries(t store.Tables) queries {
	return queries{
		insertSession: fmt.Sprintf(`INSERT INTO %s
			(session_handle, user_id, refresh_token_hash_2, session_info, expires_at, jwt_user_payload)
			VALUES ($1, $2, $3, $4, $5, $6)`, t.Sessions),

		getSessionLock: fmt.Sprintf(`SELECT session_handle, user_id, refresh_token_hash_2,
			session_info, expires_at, jwt_user_payload
			FROM %s WHERE session_handle = $1
			FOR UPDATE`, t.Sessions),

		updateSession: fmt.Sprintf(`UPDATE %s
			SET refresh_token_hash_2 = $1, session_info = $2, expires_at = $3
			WHERE session_handle = $4`, t.Sessions),

		deleteSession: fmt.Sprintf(`DELETE FROM %s WHERE session_handle = $1`, t.Sessions),

		getSessionData: fmt.Sprintf(`SELECT session_info FROM %s WHERE session_handle = $1`, t.Sessions),

		updateData: fmt.Sprintf(`UPDATE %s SET session_info = $1 WHERE session_handle = $2`, t.Sessions),

		sessionExists: fmt.Sprintf(`SELECT 1 FROM %s WHERE session_handle = $1`, t.Sessions),

		listHandles: fmt.Sprintf(`SELECT session_handle FROM %s WHERE user_id = $1`, t.Sessions),

		deleteExpired: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, t.Sessions),

		getKeyLock: fmt.Sprintf(`SELECT key_name, key_value, created_at_time
			FROM %s WHERE key_name = $1
			FOR UPDATE`, t.Keys),

		upsertKey: fmt.Sprintf(`INSERT INTO %s (key_name, key_value, created_at_time)
			VALUES ($1, $2, $3)
			ON CONFLICT (key_name) DO UPDATE SET key_value = EXCLUDED.key_value,
			created_at_time = EXCLUDED.created_at_time`, t.Keys),
	}
}
