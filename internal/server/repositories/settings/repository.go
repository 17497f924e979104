package settings

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

// Repository stores one settings record per user.
type Repository interface {
	// Get returns common.ErrorNotFound when the user has no record yet.
	Get(ctx context.Context, userID string) (models.UserSettings, error)
	// GetForUpdate is Get that locks the row until the transaction ends.
	GetForUpdate(ctx context.Context, userID string) (models.UserSettings, error)
	// Create inserts the first record of a user. A concurrent first write
	// yields common.ErrVersionConflict.
	Create(ctx context.Context, s models.UserSettings) error
	// Update replaces the record if its stored version is expectedVersion,
	// otherwise it returns common.ErrVersionConflict.
	Update(ctx context.Context, s models.UserSettings, expectedVersion int64) error
	Version(ctx context.Context, userID string) (int64, error)
}
