// Package dbx holds the small database/sql abstractions shared by the client
// (SQLite) and server (Postgres) repositories.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so a repository can be
// bound to the pool or to a running transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction that commits only when fn returns nil.
// A panic in fn rolls back and is re-raised.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    return settingsRepo(tx).Update(ctx, s, expected)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error {
	_, err := WithTxValue(ctx, db, opts, func(ctx context.Context, tx DBTX) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// WithTxValue is WithTx for functions that produce a value. The zero value
// is returned unless the transaction committed.
func WithTxValue[T any](ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) (T, error)) (out T, err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return out, fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	v, err := fn(ctx, tx)
	if err != nil {
		return out, err
	}
	if err = tx.Commit(); err != nil {
		return out, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return v, nil
}
