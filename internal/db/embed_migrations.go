package db

import "embed"

// MigrationFS holds the incident and call attempt schema applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
