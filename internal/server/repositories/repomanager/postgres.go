package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/server/migrations"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/settings"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
}

// newMigrator is replaced in tests.
var newMigrator = func(db *sql.DB, fsys fs.FS) (migrator, error) {
	return goose.NewProvider(goose.DialectPostgres, db, fsys)
}

type PostgresRepositoryManager struct {
	fsys fs.FS
}

func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{fsys: migrations.Migrations}
}

func (m *PostgresRepositoryManager) Settings(db dbx.DBTX) settings.Repository {
	return settings.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Devices(db dbx.DBTX) devices.Repository {
	return devices.NewPostgresRepository(db)
}

// RunMigrations brings the schema up to the newest embedded version.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	p, err := newMigrator(db, m.fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		if r.Error != nil {
			return fmt.Errorf("migration %s: %w", r.Source.Path, r.Error)
		}
	}
	return nil
}
