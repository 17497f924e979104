// Package conflicts persists conflict records awaiting manual resolution.
package conflicts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, rec *models.ConflictRecord) error
	Get(ctx context.Context, id string) (*models.ConflictRecord, error)
	ListUnresolved(ctx context.Context, userID string) ([]models.ConflictRecord, error)
	MarkResolved(ctx context.Context, id string, resolution models.Resolution, at time.Time) error
}
