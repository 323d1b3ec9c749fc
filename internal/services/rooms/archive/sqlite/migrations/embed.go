package migrations

import "embed"

// FS contains embedded SQLite migrations for room archive storage.
//
//go:embed *.sql
var FS embed.FS
