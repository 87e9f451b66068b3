package migrations

import "embed"

// FS holds the versioned schema consumed by cmd/migrate.
//
//go:embed *.sql
var FS embed.FS
