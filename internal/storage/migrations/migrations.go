// Package migrations embeds the login state schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
