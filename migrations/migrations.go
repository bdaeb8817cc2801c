// Package migrations embeds the schema migration files applied at startup.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
