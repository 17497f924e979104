package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Register(ctx context.Context, d models.Device) (models.Device, error) {
	query :=
		`INSERT INTO devices (user_id, device_id, name, registered_at, last_seen_at, revoked)
		 VALUES ($1, $2, $3, $4, $4, FALSE)
		 ON CONFLICT (user_id, device_id)
		 DO UPDATE SET name = EXCLUDED.name, last_seen_at = EXCLUDED.last_seen_at
		 RETURNING user_id, device_id, name, registered_at, last_seen_at, revoked`

	var out models.Device
	err := r.db.QueryRowContext(ctx, query, d.UserID, d.DeviceID, d.Name, d.RegisteredAt).
		Scan(&out.UserID, &out.DeviceID, &out.Name, &out.RegisteredAt, &out.LastSeenAt, &out.Revoked)
	if err != nil {
		return models.Device{}, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID, deviceID string) (models.Device, error) {
	query :=
		`SELECT user_id, device_id, name, registered_at, last_seen_at, revoked
		 FROM devices
		 WHERE user_id = $1 AND device_id = $2`

	var d models.Device
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).
		Scan(&d.UserID, &d.DeviceID, &d.Name, &d.RegisteredAt, &d.LastSeenAt, &d.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, common.ErrorNotFound
		}
		return models.Device{}, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, userID, deviceID string, at time.Time) error {
	query := `UPDATE devices SET last_seen_at = $3 WHERE user_id = $1 AND device_id = $2`

	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Revoke(ctx context.Context, userID, deviceID string) error {
	query := `UPDATE devices SET revoked = TRUE WHERE user_id = $1 AND device_id = $2`

	res, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, userID string) ([]models.Device, error) {
	query :=
		`SELECT user_id, device_id, name, registered_at, last_seen_at, revoked
		 FROM devices
		 WHERE user_id = $1
		 ORDER BY registered_at, device_id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Name, &d.RegisteredAt, &d.LastSeenAt, &d.Revoked); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}
