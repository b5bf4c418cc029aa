// Package migrations embeds the SQL migrations for the sync metadata tables.
package migrations

import "embed"

// FS holds every goose migration file.
//
//go:embed *.sql
var FS embed.FS
