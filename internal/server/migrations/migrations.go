// Package migrations embeds the goose SQL migrations for the configuration
// store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
