package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/devices"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
)

// Publisher receives every committed snapshot after its transaction commits.
type Publisher interface {
	Publish(models.UserSettings)
}

type SettingsService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	publisher   Publisher
	now         func() time.Time
}

func NewSettingsService(db *sql.DB, m repomanager.RepositoryManager, publisher Publisher) *SettingsService {
	return &SettingsService{
		db:          db,
		repomanager: m,
		publisher:   publisher,
		now:         time.Now,
	}
}

// Read returns the user's record. A user that never wrote gets an empty
// record at version 0.
func (s *SettingsService) Read(ctx context.Context, userID string) (models.UserSettings, error) {
	if userID == "" {
		return models.UserSettings{}, fmt.Errorf("%w: empty user id", common.ErrMalformedData)
	}
	cur, err := s.repomanager.Settings(s.db).Get(ctx, userID)
	if errors.Is(err, common.ErrorNotFound) {
		return emptySettings(userID), nil
	}
	if err != nil {
		return models.UserSettings{}, err
	}
	return cur, nil
}

func (s *SettingsService) PollVersion(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", common.ErrMalformedData)
	}
	return s.repomanager.Settings(s.db).Version(ctx, userID)
}

// Write commits req.Patch if the stored version still equals
// req.ExpectedVersion and returns the new record. On mismatch it returns a
// *models.ConflictError carrying the stored record. Writes from unknown or
// revoked devices are rejected before anything is read.
func (s *SettingsService) Write(ctx context.Context, req models.WriteRequest) (models.UserSettings, error) {
	patch, err := validateWrite(req)
	if err != nil {
		return models.UserSettings{}, err
	}
	writtenAt := req.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = s.now()
	}

	next, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (models.UserSettings, error) {
		deviceRepo := s.repomanager.Devices(tx)
		if err := checkDevice(ctx, deviceRepo, req.UserID, req.DeviceID); err != nil {
			return models.UserSettings{}, err
		}

		repo := s.repomanager.Settings(tx)
		cur, err := repo.GetForUpdate(ctx, req.UserID)
		if errors.Is(err, common.ErrorNotFound) {
			cur = emptySettings(req.UserID)
		} else if err != nil {
			return models.UserSettings{}, err
		}

		if cur.Version != req.ExpectedVersion {
			return models.UserSettings{}, &models.ConflictError{Current: cur}
		}

		next := cur.Apply(patch, writtenAt, req.DeviceID)
		if cur.Version == 0 {
			err = repo.Create(ctx, next)
		} else {
			err = repo.Update(ctx, next, cur.Version)
		}
		if err != nil {
			return models.UserSettings{}, err
		}

		if err := deviceRepo.Touch(ctx, req.UserID, req.DeviceID, s.now()); err != nil {
			return models.UserSettings{}, err
		}
		return next, nil
	})
	if err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			return models.UserSettings{}, conflict
		}
		if errors.Is(err, common.ErrVersionConflict) {
			// lost a race for the first insert
			cur, rerr := s.Read(ctx, req.UserID)
			if rerr != nil {
				return models.UserSettings{}, rerr
			}
			return models.UserSettings{}, &models.ConflictError{Current: cur}
		}
		return models.UserSettings{}, err
	}

	if s.publisher != nil {
		s.publisher.Publish(next)
	}
	return next, nil
}

func validateWrite(req models.WriteRequest) (models.Fields, error) {
	switch {
	case req.UserID == "":
		return nil, fmt.Errorf("%w: empty user id", common.ErrMalformedData)
	case req.DeviceID == "":
		return nil, fmt.Errorf("%w: empty device id", common.ErrMalformedData)
	case len(req.Patch) == 0:
		return nil, fmt.Errorf("%w: empty patch", common.ErrMalformedData)
	case req.ExpectedVersion < 0:
		return nil, fmt.Errorf("%w: negative expected version", common.ErrMalformedData)
	}
	patch, err := req.Patch.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedData, err)
	}
	return patch, nil
}

func checkDevice(ctx context.Context, repo devices.Repository, userID, deviceID string) error {
	d, err := repo.Get(ctx, userID, deviceID)
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrDeviceNotRegistered
	}
	if err != nil {
		return err
	}
	if d.Revoked {
		return common.ErrDeviceRevoked
	}
	return nil
}

func emptySettings(userID string) models.UserSettings {
	return models.UserSettings{UserID: userID, Fields: models.Fields{}}
}
