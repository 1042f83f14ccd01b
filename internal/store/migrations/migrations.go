// Package migrations embeds the versioned schema of the per-user database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
