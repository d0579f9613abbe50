// Package migrations embeds the SQL migration files for the message tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
