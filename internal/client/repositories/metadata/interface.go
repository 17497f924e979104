// Package metadata keeps write-once facts about the local installation,
// such as the install salt and the derived device id.
package metadata

import "context"

// Repository stores named string values. A value, once stored, is never
// replaced: Ensure returns whatever was written first.
type Repository interface {
	// Lookup reports the stored value and whether it exists.
	Lookup(ctx context.Context, name string) (string, bool, error)
	// Ensure stores value unless name is already present and returns the
	// value that ends up stored.
	Ensure(ctx context.Context, name, value string) (string, error)
}

const (
	KeyDeviceID    = "device_id"
	KeyInstallSalt = "install_salt"
)
