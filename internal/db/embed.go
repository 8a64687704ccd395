package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		// The migrations directory is compiled in; failure here means a
		// broken build, not a runtime condition.
		panic(err)
	}
	return sub
}
