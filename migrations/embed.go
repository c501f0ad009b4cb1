// Package migrations carries the goose SQL migrations so the binary and the
// tests do not depend on the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
