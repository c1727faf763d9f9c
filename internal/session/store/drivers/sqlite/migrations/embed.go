// Package migrations embeds the sqlite schema migration files. Table names
// appear as placeholders and are rendered against the configured names
// before being applied.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
