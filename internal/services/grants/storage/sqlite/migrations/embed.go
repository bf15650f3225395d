package migrations

import "embed"

// FS contains embedded SQLite migrations for grant storage.
//
//go:embed *.sql
var FS embed.FS
