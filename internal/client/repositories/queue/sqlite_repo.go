package queue

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

const selectColumns = `id, user_id, device_id, patch, base, base_version, created_at,
	attempts, status, next_attempt_at, last_error, conflict_id`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, item *models.QueueItem) (int64, error) {
	patch, base, err := encodeFields(item)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (user_id, device_id, patch, base, base_version, created_at,
			attempts, status, next_attempt_at, last_error, conflict_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.UserID, item.DeviceID, patch, base, item.BaseVersion, toNanos(item.CreatedAt),
		item.Attempts, string(item.Status), toNanos(item.NextAttemptAt), item.LastError, item.ConflictID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue item id: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %d: %w", id, err)
	}
	return item, nil
}

func (r *SQLiteRepository) Head(ctx context.Context, userID string) (*models.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sync_queue
		WHERE user_id = ? AND status <> ?
		ORDER BY id LIMIT 1`, userID, string(models.QueueStatusConflicted))
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}
	return item, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, item *models.QueueItem) error {
	patch, base, err := encodeFields(item)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET patch = ?, base = ?, base_version = ?, attempts = ?, status = ?,
			next_attempt_at = ?, last_error = ?, conflict_id = ?
		WHERE id = ?`,
		patch, base, item.BaseVersion, item.Attempts, string(item.Status),
		toNanos(item.NextAttemptAt), item.LastError, item.ConflictID, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteByConflict(ctx context.Context, conflictID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE conflict_id = ? AND status = ?`,
		conflictID, string(models.QueueStatusConflicted))
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue items of conflict %s: %w", conflictID, err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string) ([]models.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sync_queue WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue rows: %w", err)
	}
	return items, nil
}

func (r *SQLiteRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE status = ?`,
		string(models.QueueStatusPending), string(models.QueueStatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight items: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*models.QueueItem, error) {
	var (
		item                     models.QueueItem
		patch, base, status      string
		createdAt, nextAttemptAt int64
	)
	err := s.Scan(&item.ID, &item.UserID, &item.DeviceID, &patch, &base, &item.BaseVersion, &createdAt,
		&item.Attempts, &status, &nextAttemptAt, &item.LastError, &item.ConflictID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patch), &item.Patch); err != nil {
		return nil, fmt.Errorf("%w: queue patch: %v", common.ErrMalformedData, err)
	}
	if err := json.Unmarshal([]byte(base), &item.Base); err != nil {
		return nil, fmt.Errorf("%w: queue base: %v", common.ErrMalformedData, err)
	}
	item.Status = models.QueueStatus(status)
	item.CreatedAt = fromNanos(createdAt)
	item.NextAttemptAt = fromNanos(nextAttemptAt)
	return &item, nil
}

func encodeFields(item *models.QueueItem) (string, string, error) {
	patch, err := json.Marshal(item.Patch)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode patch: %w", err)
	}
	base := item.Base
	if base == nil {
		base = models.Fields{}
	}
	b, err := json.Marshal(base)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode base: %w", err)
	}
	return string(patch), string(b), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
