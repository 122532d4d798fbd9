// Package migrations carries the goose SQL migrations compiled into the
// binary, so the daemon never depends on a co-located directory at runtime.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
