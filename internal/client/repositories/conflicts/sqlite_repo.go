package conflicts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

const selectColumns = `id, user_id, fields, local_values, remote_values, local_updated_at,
	remote_updated_at, remote_version, resolution, created_at, resolved_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, rec *models.ConflictRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode conflict fields: %w", err)
	}
	local, err := json.Marshal(rec.LocalValues)
	if err != nil {
		return fmt.Errorf("failed to encode local values: %w", err)
	}
	remote, err := json.Marshal(rec.RemoteValues)
	if err != nil {
		return fmt.Errorf("failed to encode remote values: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, user_id, fields, local_values, remote_values, local_updated_at,
			remote_updated_at, remote_version, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, string(fields), string(local), string(remote),
		rec.LocalUpdatedAt.UnixNano(), rec.RemoteUpdatedAt.UnixNano(), rec.RemoteVersion,
		string(rec.Resolution), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert conflict %s: %w", rec.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) ListUnresolved(ctx context.Context, userID string) ([]models.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM conflicts
		WHERE user_id = ? AND resolution = ? ORDER BY created_at, id`,
		userID, string(models.ResolutionUnresolved))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflict rows: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) MarkResolved(ctx context.Context, id string, resolution models.Resolution, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`,
		string(resolution), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.ConflictRecord, error) {
	var (
		rec                          models.ConflictRecord
		fields, local, remote, resol string
		localAt, remoteAt, createdAt int64
		resolvedAt                   sql.NullInt64
	)
	err := s.Scan(&rec.ID, &rec.UserID, &fields, &local, &remote, &localAt,
		&remoteAt, &rec.RemoteVersion, &resol, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("%w: conflict fields: %v", common.ErrMalformedData, err)
	}
	if err := json.Unmarshal([]byte(local), &rec.LocalValues); err != nil {
		return nil, fmt.Errorf("%w: local values: %v", common.ErrMalformedData, err)
	}
	if err := json.Unmarshal([]byte(remote), &rec.RemoteValues); err != nil {
		return nil, fmt.Errorf("%w: remote values: %v", common.ErrMalformedData, err)
	}
	rec.Resolution = models.Resolution(resol)
	rec.LocalUpdatedAt = time.Unix(0, localAt).UTC()
	rec.RemoteUpdatedAt = time.Unix(0, remoteAt).UTC()
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if resolvedAt.Valid {
		t := time.Unix(0, resolvedAt.Int64).UTC()
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
