// Package device derives the stable identity of this installation and
// registers it with the settings server.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/google/uuid"
)

const idLength = 32

// RegistrationError is returned when the server refuses this device for the
// user, typically because it was revoked. The caller has to re-authenticate.
type RegistrationError struct {
	UserID   string
	DeviceID string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("device %s cannot sync for user %s: %v", e.DeviceID, e.UserID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Registrar is the server-side device registry.
type Registrar interface {
	RegisterDevice(ctx context.Context, userID, deviceID, name string) (models.Device, error)
}

type Identity struct {
	meta     metadata.Repository
	hostname func() (string, error)
	newSalt  func() string
}

func NewIdentity(meta metadata.Repository) *Identity {
	return &Identity{meta: meta, hostname: os.Hostname, newSalt: uuid.NewString}
}

// GetOrCreateDeviceID returns the persisted device id, computing it on first
// use from host characteristics and a per-install random salt.
func (i *Identity) GetOrCreateDeviceID(ctx context.Context) (string, error) {
	id, ok, err := i.meta.Lookup(ctx, metadata.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	salt, err := i.meta.Ensure(ctx, metadata.KeyInstallSalt, i.newSalt())
	if err != nil {
		return "", err
	}

	host, err := i.hostname()
	if err != nil {
		host = "unknown"
	}
	id = cryptox.Fingerprint(host, runtime.GOOS, runtime.GOARCH, salt)[:idLength]

	return i.meta.Ensure(ctx, metadata.KeyDeviceID, id)
}

// Register upserts the device on the server. It does not retry.
func Register(ctx context.Context, r Registrar, userID, deviceID, name string) (models.Device, error) {
	d, err := r.RegisterDevice(ctx, userID, deviceID, name)
	if errors.Is(err, common.ErrDeviceRevoked) {
		return models.Device{}, &RegistrationError{UserID: userID, DeviceID: deviceID, Err: err}
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("register device: %w", err)
	}
	if d.Revoked {
		return models.Device{}, &RegistrationError{UserID: userID, DeviceID: deviceID, Err: common.ErrDeviceRevoked}
	}
	return d, nil
}
