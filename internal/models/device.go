package models

import "time"

// Device is a registered client installation of a user.
type Device struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Revoked      bool      `json:"revoked"`
}
