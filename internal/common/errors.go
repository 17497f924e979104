package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// Device lifecycle errors.
	ErrDeviceRevoked       = errors.New("device revoked")
	ErrDeviceNotRegistered = errors.New("device not registered")

	// Transport errors: the remote store could not be reached or did not
	// answer in time. These are retried by the sync queue.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrMalformedData marks remote data that cannot be decoded or decrypted.
	// It is never retried.
	ErrMalformedData = errors.New("malformed settings data")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
