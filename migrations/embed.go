// Package migrations embeds the goose SQL migrations for the rules, rule
// events, and API key tables.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
