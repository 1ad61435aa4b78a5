// Package migrations embeds the SQL migration files applied by goose at store
// startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
