package devices

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

type Repository interface {
	// Register upserts a device. Re-registering keeps the revoked flag and
	// the original registration time.
	Register(ctx context.Context, d models.Device) (models.Device, error)
	Get(ctx context.Context, userID, deviceID string) (models.Device, error)
	Touch(ctx context.Context, userID, deviceID string, at time.Time) error
	Revoke(ctx context.Context, userID, deviceID string) error
	List(ctx context.Context, userID string) ([]models.Device, error)
}
