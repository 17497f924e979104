package models

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// Resolution tells how a ConflictRecord was (or will be) settled.
type Resolution string

const (
	ResolutionUnresolved        Resolution = "unresolved"
	ResolutionAutoLastWriteWins Resolution = "auto-last-write-wins"
	ResolutionManual            Resolution = "manual"
)

// ConflictRecord captures fields written by two devices so close in time
// that last-write-wins cannot order them.
type ConflictRecord struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Fields          []string   `json:"fields_in_conflict"`
	LocalValues     Fields     `json:"local_values"`
	RemoteValues    Fields     `json:"remote_values"`
	LocalUpdatedAt  time.Time  `json:"local_updated_at"`
	RemoteUpdatedAt time.Time  `json:"remote_updated_at"`
	RemoteVersion   int64      `json:"remote_version"`
	Resolution      Resolution `json:"resolution"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// ConflictError is returned by a conditional write whose expected version no
// longer matches the stored one. Current is the stored record.
type ConflictError struct {
	Current UserSettings
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: user %s is at version %d", e.Current.UserID, e.Current.Version)
}

func (e *ConflictError) Unwrap() error {
	return common.ErrVersionConflict
}
