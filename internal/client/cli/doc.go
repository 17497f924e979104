// Package cli provides the interactive settings sync client.
//
// It wires configuration, the local database, the gRPC remote store and one
// sync engine, then runs a REPL until the user exits. A background watcher
// pings the server and shows online or offline in the prompt; local writes
// are accepted in both modes and delivered when the server is reachable.
package cli
