// Package repositories opens the client's local SQLite database and vends
// the repositories stored in it.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/migrations"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/conflicts"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/snapshots"
	"github.com/dmitrijs2005/gophsync/internal/dbx"

	_ "modernc.org/sqlite"
)

// Repositories groups the local stores of one client installation.
type Repositories struct {
	DB        *sql.DB
	Metadata  metadata.Repository
	Queue     queue.Repository
	Conflicts conflicts.Repository
	Snapshots snapshots.Repository
}

// Open opens (creating if needed) the SQLite database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local db: %w", err)
	}
	// ":memory:" databases live as long as their connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure local db: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := bind(db)
	r.DB = db
	return r, nil
}

func bind(db dbx.DBTX) *Repositories {
	return &Repositories{
		Metadata:  metadata.NewSQLiteRepository(db),
		Queue:     queue.NewSQLiteRepository(db),
		Conflicts: conflicts.NewSQLiteRepository(db),
		Snapshots: snapshots.NewSQLiteRepository(db),
	}
}

// InTx runs fn with repositories bound to one transaction, committed only
// when fn returns nil. The database allows a single connection, so fn must
// not use r's own repositories.
func (r *Repositories) InTx(ctx context.Context, fn func(ctx context.Context, tx *Repositories) error) error {
	return dbx.WithTx(ctx, r.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, bind(tx))
	})
}

func (r *Repositories) Close() error {
	return r.DB.Close()
}
