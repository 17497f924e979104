// Package config loads runtime configuration for the sync client.
//
// Sources, later ones win:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Command-line flags.
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "3s" or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "user_id": "alice",
//	  "clock_skew": "2s",
//	  "poll_interval": "15s"
//	}
package config
