package migrations

import "embed"

// Files holds the SQL migrations compiled into the binary. The runner
// sorts them by their numeric filename prefix (001_init.sql, ...) before
// applying.
//
//go:embed *.sql
var Files embed.FS
