// Package conflict decides what happens to a queued patch whose conditional
// write lost the race against another device, and stores the conflicts
// that need a human decision.
package conflict

import (
	"time"

	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
)

// DefaultSkew is the clock-skew tolerance used when none is configured.
const DefaultSkew = 2 * time.Second

// Resolution is the outcome of resolving one queue item.
type Resolution struct {
	// Rebased is the item rewritten onto the remote version with the fields
	// that should still be sent; nil when nothing is left to send.
	Rebased *models.QueueItem
	// Conflict holds the fields that could not be ordered; nil when none.
	Conflict *models.ConflictRecord
	Kept     []string
	Dropped  []string
}

// Resolver applies per-field last-write-wins with a skew tolerance.
type Resolver struct {
	Skew  time.Duration
	Now   func() time.Time
	NewID func() string
}

func NewResolver(skew time.Duration) Resolver {
	if skew < 0 {
		skew = DefaultSkew
	}
	return Resolver{Skew: skew, Now: time.Now, NewID: uuid.NewString}
}

// Resolve compares item against the remote record it conflicted with.
//
// Per patched field: a remote value equal to the local one has converged and
// is dropped; a remote value still equal to the item's base was not touched
// by anyone else and is kept; otherwise the later write wins, and writes
// closer together than Skew are escalated as a conflict.
func (r Resolver) Resolve(item models.QueueItem, remote models.UserSettings) Resolution {
	var res Resolution
	var conflicted []string
	var remoteAt time.Time

	for _, key := range item.Patch.Keys() {
		switch {
		case models.SameValue(remote.Fields, item.Patch, key):
			res.Dropped = append(res.Dropped, key)
		case models.SameValue(remote.Fields, item.Base, key):
			res.Kept = append(res.Kept, key)
		default:
			fieldAt := remote.FieldTime(key)
			diff := item.CreatedAt.Sub(fieldAt)
			switch {
			case absDuration(diff) <= r.Skew:
				conflicted = append(conflicted, key)
				if fieldAt.After(remoteAt) {
					remoteAt = fieldAt
				}
			case diff < 0:
				res.Dropped = append(res.Dropped, key)
			default:
				res.Kept = append(res.Kept, key)
			}
		}
	}

	if len(res.Kept) > 0 {
		rebased := item
		rebased.Patch = item.Patch.Subset(res.Kept)
		rebased.Base = remote.Fields.Subset(res.Kept)
		rebased.BaseVersion = remote.Version
		res.Rebased = &rebased
	}

	if len(conflicted) > 0 {
		res.Conflict = &models.ConflictRecord{
			ID:              r.newID(),
			UserID:          item.UserID,
			Fields:          conflicted,
			LocalValues:     item.Patch.Subset(conflicted),
			RemoteValues:    remote.Fields.Subset(conflicted),
			LocalUpdatedAt:  item.CreatedAt,
			RemoteUpdatedAt: remoteAt,
			RemoteVersion:   remote.Version,
			Resolution:      models.ResolutionUnresolved,
			CreatedAt:       r.now(),
		}
	}
	return res
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Resolver) newID() string {
	if r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
