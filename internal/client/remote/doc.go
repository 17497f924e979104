// Package remote talks to the settings server.
//
// GRPCClient implements engine.RemoteStore over the SettingsSync gRPC
// service. It injects the access token into every call and maps gRPC status
// codes to the sentinel errors of package common, so the engine can tell
// transport failures (retried) from revocation (halts syncing) and malformed
// data (dropped).
//
// EncryptingStore wraps any RemoteStore and seals field values before they
// leave the device.
package remote
