package sqlite

import (
	"fmt"

	"github.com/tokenlane/sessiond/internal/session/store"
)

// queries holds the SQL text for the configured table names. Table names
// are validated identifiers (store.Tables.Normalize), so interpolating them
// into the statements is safe.
type queries struct {
	insertSession  string
	getSession     string
	updateSession  string
	deleteSession  string
	getSessionData string
	updateData     string
	sessionExists  string
	listHandles    string
	deleteExpired  string
	getKey         string
	upsertKey      string
}

func buildQueries(t store.Tables) queries {
	return queries{
		insertSession: fmt.Sprintf(`INSERT INTO %s
			(session_handle, user_id, refresh_token_hash_2, session_info, expires_at, jwt_user_payload)
			VALUES (?, ?, ?, ?, ?, ?)`, t.Sessions),

		getSession: fmt.Sprintf(`SELECT session_handle, user_id, refresh_token_hash_2,
			session_info, expires_at, jwt_user_payload
			FROM %s WHERE session_handle = ?`, t.Sessions),

		updateSession: fmt.Sprintf(`UPDATE %s
			SET refresh_token_hash_2 = ?, session_info = ?, expires_at = ?
			WHERE session_handle = ?`, t.Sessions),

		deleteSession: fmt.Sprintf(`DELETE FROM %s WHERE session_handle = ?`, t.Sessions),

		getSessionData: fmt.Sprintf(`SELECT session_info FROM %s WHERE session_handle = ?`, t.Sessions),

		updateData: fmt.Sprintf(`UPDATE %s SET session_info = ? WHERE session_handle = ?`, t.Sessions),

		sessionExists: fmt.Sprintf(`SELECT 1 FROM %s WHERE session_handle = ?`, t.Sessions),

		listHandles: fmt.Sprintf(`SELECT session_handle FROM %s WHERE user_id = ?`, t.Sessions),

		deleteExpired: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, t.Sessions),

		getKey: fmt.Sprintf(`SELECT key_name, key_value, created_at_time
			FROM %s WHERE key_name = ?`, t.Keys),

		upsertKey: fmt.Sprintf(`INSERT INTO %s (key_name, key_value, created_at_time)
			VALUES (?, ?, ?)
			ON CONFLICT(key_name) DO UPDATE SET key_value = excluded.key_value,
			created_at_time = excluded.created_at_time`, t.Keys),
	}
}
