// Package migrations embeds the goose-managed SQLite schema for the
// durable queue store (spec §4.9, §6).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
