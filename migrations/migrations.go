// Package migrations embeds the SQL applied to every clinic schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
