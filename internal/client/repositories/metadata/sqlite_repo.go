package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

const (
	lookupQuery = `SELECT value FROM metadata WHERE name = ?`
	ensureQuery = `INSERT INTO metadata (name, value) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Lookup(ctx context.Context, name string) (string, bool, error) {
	var v string
	switch err := r.db.QueryRowContext(ctx, lookupQuery, name).Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("lookup %q: %w", name, err)
	}
	return v, true, nil
}

func (r *SQLiteRepository) Ensure(ctx context.Context, name, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("ensure %q: empty value", name)
	}
	if _, err := r.db.ExecContext(ctx, ensureQuery, name, value); err != nil {
		return "", fmt.Errorf("ensure %q: %w", name, err)
	}
	stored, ok, err := r.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("ensure %q: value vanished after insert", name)
	}
	return stored, nil
}
