package settings

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
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectSettings = `SELECT user_id, fields, field_times, version, updated_at, updated_by_device
		 FROM user_settings
		 WHERE user_id = $1`

func (r *PostgresRepository) Get(ctx context.Context, userID string) (models.UserSettings, error) {
	return r.get(ctx, selectSettings, userID)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID string) (models.UserSettings, error) {
	return r.get(ctx, selectSettings+` FOR UPDATE`, userID)
}

func (r *PostgresRepository) get(ctx context.Context, query, userID string) (models.UserSettings, error) {
	var (
		s          models.UserSettings
		fields     []byte
		fieldTimes []byte
	)
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&s.UserID, &fields, &fieldTimes, &s.Version, &s.UpdatedAt, &s.UpdatedByDevice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserSettings{}, common.ErrorNotFound
		}
		return models.UserSettings{}, fmt.Errorf("db error: %w", err)
	}

	if err := json.Unmarshal(fields, &s.Fields); err != nil {
		return models.UserSettings{}, fmt.Errorf("%w: fields of %s: %v", common.ErrMalformedData, userID, err)
	}
	if err := json.Unmarshal(fieldTimes, &s.FieldTimes); err != nil {
		return models.UserSettings{}, fmt.Errorf("%w: field times of %s: %v", common.ErrMalformedData, userID, err)
	}
	if s.Fields == nil {
		s.Fields = models.Fields{}
	}
	return s, nil
}

func encode(s models.UserSettings) ([]byte, []byte, error) {
	fields, err := json.Marshal(s.Fields)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrMalformedData, err)
	}
	times := s.FieldTimes
	if times == nil {
		times = map[string]time.Time{}
	}
	fieldTimes, err := json.Marshal(times)
	if err != nil {
		return nil, nil, err
	}
	return fields, fieldTimes, nil
}

func (r *PostgresRepository) Create(ctx context.Context, s models.UserSettings) error {
	fields, fieldTimes, err := encode(s)
	if err != nil {
		return err
	}

	query :=
		`INSERT INTO user_settings (user_id, fields, field_times, version, updated_at, updated_by_device)
		 VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.ExecContext(ctx, query, s.UserID, fields, fieldTimes, s.Version, s.UpdatedAt, s.UpdatedByDevice)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return common.ErrVersionConflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, s models.UserSettings, expectedVersion int64) error {
	fields, fieldTimes, err := encode(s)
	if err != nil {
		return err
	}

	query :=
		`UPDATE user_settings
		 SET fields = $2, field_times = $3, version = $4, updated_at = $5, updated_by_device = $6
		 WHERE user_id = $1 AND version = $7`

	res, err := r.db.ExecContext(ctx, query, s.UserID, fields, fieldTimes, s.Version, s.UpdatedAt, s.UpdatedByDevice, expectedVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrVersionConflict
	}
	return nil
}

// Version returns the stored version, 0 for users without a record.
func (r *PostgresRepository) Version(ctx context.Context, userID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM user_settings WHERE user_id = $1`

	var v int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&v); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}
