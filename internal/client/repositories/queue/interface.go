// Package queue persists the device's pending local mutations.
package queue

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

// Repository stores queue items. Insert assigns the item's sequence number.
type Repository interface {
	Insert(ctx context.Context, item *models.QueueItem) (int64, error)
	Get(ctx context.Context, id int64) (*models.QueueItem, error)
	// Head returns the oldest item of userID that is not parked in conflict,
	// or (nil, nil) when there is none.
	Head(ctx context.Context, userID string) (*models.QueueItem, error)
	Update(ctx context.Context, item *models.QueueItem) error
	Delete(ctx context.Context, id int64) error
	DeleteByConflict(ctx context.Context, conflictID string) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]models.QueueItem, error)
	ResetInFlight(ctx context.Context) (int64, error)
}
