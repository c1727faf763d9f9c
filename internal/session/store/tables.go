package store

import (
	"fmt"
	"regexp"
)

// Tables carries the configurable table names shared by all drivers.
type Tables struct {
	Sessions string
	Keys     string
}

// DefaultTables returns the table names used when no overrides are
// configured.
func DefaultTables() Tables {
	return Tables{Sessions: "sessions", Keys: "signing_keys"}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Normalize fills empty names with defaults and rejects names that are not
// plain SQL identifiers. Table names are interpolated into query text, so
// anything beyond [A-Za-z0-9_] is refused outright.
func (t Tables) Normalize() (Tables, error) {
	def := DefaultTables()
	if t.Sessions == "" {
		t.Sessions = def.Sessions
	}
	if t.Keys == "" {
		t.Keys = def.Keys
	}
	for _, name := range []string{t.Sessions, t.Keys} {
		if !identRe.MatchString(name) {
			return Tables{}, fmt.Errorf("store: invalid table name %q", name)
		}
	}
	return t, nil
}
