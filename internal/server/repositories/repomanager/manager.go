// Package repomanager binds the server's repositories to a connection pool or
// to a running transaction, and owns the schema migrations they rely on.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/settings"
)

// RepositoryManager is what the services depend on. Passing a *sql.Tx as db
// makes every repository call part of that transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Settings(db dbx.DBTX) settings.Repository
	Devices(db dbx.DBTX) devices.Repository
}
