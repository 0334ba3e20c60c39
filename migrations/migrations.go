// Package migrations embeds the SQL migration files so the binary can
// run them without shipping loose files alongside it.
package migrations

import "embed"

//go:embed postgres/*.sql
var FS embed.FS
