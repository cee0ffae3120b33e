// Package dbadmin defines the port used by the backup engine to dump and
// recreate tenant databases.
package dbadmin

import (
	"context"
	"io"
)

// Admin dumps and restores whole databases.
type Admin interface {
	// Dump writes a plain SQL dump of dbName to w.
	Dump(ctx context.Context, dbName string, w io.Writer) error
	// Recreate terminates every session on dbName, drops it and creates it empty.
	Recreate(ctx context.Context, dbName string) error
	// Load executes the SQL script from r against dbName.
	Load(ctx context.Context, dbName string, r io.Reader) error
}
