// Package snapshots persists the last committed settings snapshot per user so
// the local cache survives restarts.
package snapshots

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

// Snapshot is a stored settings record with the time it was fetched.
type Snapshot struct {
	Settings  models.UserSettings
	FetchedAt time.Time
}

// Repository stores one snapshot per user. Get returns (nil, nil) when absent.
type Repository interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, userID string) (*Snapshot, error)
	Delete(ctx context.Context, userID string) error
}
