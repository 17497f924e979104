// Package rpc defines the SettingsSync gRPC service: request/response
// messages, a JSON codec, the service descriptor used by the server and a
// typed client stub.
//
// Messages are plain Go structs carried with the "json" content subtype, so
// heterogeneous setting values travel in the same normal form the engine
// stores them in (see models.NormalizeValue).
package rpc
