package rpc

import "github.com/dmitrijs2005/gophsync/internal/models"

type PingRequest struct{}

type PingResponse struct {
	Status string `json:"status"`
}

type ReadSettingsRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type ReadSettingsResponse struct {
	Settings models.UserSettings `json:"settings"`
}

type WriteSettingsRequest struct {
	Write models.WriteRequest `json:"write"`
}

// WriteSettingsResponse reports either the committed record or, when
// Committed is false, the current record that made the write conflict.
type WriteSettingsResponse struct {
	Committed bool                `json:"committed"`
	Settings  models.UserSettings `json:"settings"`
}

type PollVersionRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type PollVersionResponse struct {
	Version int64 `json:"version"`
}

type RegisterDeviceRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
}

type RegisterDeviceResponse struct {
	Device models.Device `json:"device"`
}

type RevokeDeviceRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type RevokeDeviceResponse struct {
	Device models.Device `json:"device"`
}

type ListDevicesRequest struct {
	UserID string `json:"user_id"`
}

type ListDevicesResponse struct {
	Devices []models.Device `json:"devices"`
}

type ExportSettingsRequest struct {
	UserID string `json:"user_id"`
}

type ExportSettingsResponse struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Version int64  `json:"version"`
}

// SubscribeRequest opens the push channel of one device. Events at or below
// AfterVersion are not sent. The stream ends with PermissionDenied when the
// device is revoked.
type SubscribeRequest struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"device_id"`
	AfterVersion int64  `json:"after_version"`
}

type ChangeEvent struct {
	Settings models.UserSettings `json:"settings"`
}
