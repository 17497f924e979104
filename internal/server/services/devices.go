package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
)

// Disconnector ends the open change subscriptions of a device.
type Disconnector interface {
	Disconnect(userID, deviceID string) int
}

type DeviceService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	disconnector Disconnector
	now          func() time.Time
}

// NewDeviceService returns the device service. d may be nil when the server
// has no push channel.
func NewDeviceService(db *sql.DB, m repomanager.RepositoryManager, d Disconnector) *DeviceService {
	return &DeviceService{db: db, repomanager: m, disconnector: d, now: time.Now}
}

// Register is idempotent. A revoked device stays revoked and gets
// common.ErrDeviceRevoked together with its record.
func (s *DeviceService) Register(ctx context.Context, userID, deviceID, name string) (models.Device, error) {
	if userID == "" || deviceID == "" {
		return models.Device{}, fmt.Errorf("%w: user and device id are required", common.ErrMalformedData)
	}

	d, err := s.repomanager.Devices(s.db).Register(ctx, models.Device{
		UserID:       userID,
		DeviceID:     deviceID,
		Name:         name,
		RegisteredAt: s.now(),
	})
	if err != nil {
		return models.Device{}, err
	}
	if d.Revoked {
		return d, common.ErrDeviceRevoked
	}
	return d, nil
}

// Revoke is permanent. The device's open subscriptions are closed and its
// later reads, polls and writes are rejected.
func (s *DeviceService) Revoke(ctx context.Context, userID, deviceID string) (models.Device, error) {
	repo := s.repomanager.Devices(s.db)
	if err := repo.Revoke(ctx, userID, deviceID); err != nil {
		return models.Device{}, err
	}
	if s.disconnector != nil {
		s.disconnector.Disconnect(userID, deviceID)
	}
	return repo.Get(ctx, userID, deviceID)
}

// Check returns common.ErrDeviceNotRegistered or common.ErrDeviceRevoked
// unless the device may sync.
func (s *DeviceService) Check(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return fmt.Errorf("%w: user and device id are required", common.ErrMalformedData)
	}
	return checkDevice(ctx, s.repomanager.Devices(s.db), userID, deviceID)
}

func (s *DeviceService) List(ctx context.Context, userID string) ([]models.Device, error) {
	return s.repomanager.Devices(s.db).List(ctx, userID)
}
