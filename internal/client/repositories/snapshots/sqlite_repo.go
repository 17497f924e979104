package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Put stores s unless a snapshot with a higher version is already stored.
func (r *SQLiteRepository) Put(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (user_id, settings, version, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			settings = excluded.settings,
			version = excluded.version,
			fetched_at = excluded.fetched_at
		WHERE excluded.version >= snapshots.version`,
		s.Settings.UserID, string(data), s.Settings.Version, s.FetchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store snapshot of %s: %w", s.Settings.UserID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, userID string) (*Snapshot, error) {
	var (
		data      string
		fetchedAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT settings, fetched_at FROM snapshots WHERE user_id = ?`, userID).
		Scan(&data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot of %s: %w", userID, err)
	}

	var s Snapshot
	if err := json.Unmarshal([]byte(data), &s.Settings); err != nil {
		return nil, fmt.Errorf("%w: snapshot of %s: %v", common.ErrMalformedData, userID, err)
	}
	s.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return &s, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete snapshot of %s: %w", userID, err)
	}
	return nil
}
