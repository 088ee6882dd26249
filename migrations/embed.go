// Package migrations embeds the per-shard schema.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
