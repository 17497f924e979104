package models

import "time"

// QueueStatus is the lifecycle state of a pending local mutation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInFlight   QueueStatus = "in-flight"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusConflicted QueueStatus = "conflicted"
)

// QueueItem is a local mutation not yet confirmed by the settings server.
//
// ID is the per-device sequence number and defines the order in which a
// device's writes reach the server. Base holds the values the patched keys
// had in the snapshot at BaseVersion; a key missing from Base was absent.
// CreatedAt is the write's intended timestamp used for last-write-wins.
type QueueItem struct {
	ID            int64       `json:"id"`
	UserID        string      `json:"user_id"`
	DeviceID      string      `json:"device_id"`
	Patch         Fields      `json:"patch"`
	Base          Fields      `json:"base"`
	BaseVersion   int64       `json:"base_version"`
	CreatedAt     time.Time   `json:"created_at"`
	Attempts      int         `json:"attempts"`
	Status        QueueStatus `json:"status"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty"`
	ConflictID    string      `json:"conflict_id,omitempty"`
}

// WriteRequest builds the conditional write for this item.
func (q *QueueItem) WriteRequest() WriteRequest {
	return WriteRequest{
		UserID:          q.UserID,
		DeviceID:        q.DeviceID,
		Patch:           q.Patch.Clone(),
		ExpectedVersion: q.BaseVersion,
		WrittenAt:       q.CreatedAt,
	}
}
