// Package dbmigrations exposes embedded SQL migrations for optexec binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into optexec binaries.
//
//go:embed *.sql
var Files embed.FS
