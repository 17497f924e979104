package config

import (
	"flag"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// parseFlags overlays cfg with command-line flags and panics on bad input.
//
//	-a string     settings server address
//	-u string     user id to sync
//	-t string     access token
//	-n string     device name shown in the device list
//	-d string     local database file
//	-l string     log file (logging is off when empty)
//	-e            encrypt field values with a passphrase
//	-i duration   server reachability check interval
//	-k duration   clock skew tolerated by last-write-wins
//	-p duration   change polling interval when push is unavailable
//	-r duration   timeout of a single server call
func parseFlags(cfg *Config, args []string) {
	err := flagx.ParseFiltered("client", args, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "settings server address")
		fs.StringVar(&cfg.UserID, "u", cfg.UserID, "user id")
		fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
		fs.StringVar(&cfg.DeviceName, "n", cfg.DeviceName, "device name")
		fs.StringVar(&cfg.DataFile, "d", cfg.DataFile, "local database file")
		fs.StringVar(&cfg.LogFile, "l", cfg.LogFile, "log file")
		fs.BoolVar(&cfg.Encrypt, "e", cfg.Encrypt, "encrypt setting values")
		fs.DurationVar(&cfg.OnlineCheckInterval, "i", cfg.OnlineCheckInterval, "online check interval")
		fs.DurationVar(&cfg.ClockSkew, "k", cfg.ClockSkew, "clock skew tolerance")
		fs.DurationVar(&cfg.PollInterval, "p", cfg.PollInterval, "polling interval")
		fs.DurationVar(&cfg.RemoteTimeout, "r", cfg.RemoteTimeout, "server call timeout")
	})
	if err != nil {
		panic(err)
	}
	if cfg.ClockSkew < 0 || cfg.PollInterval <= 0 || cfg.RemoteTimeout <= 0 || cfg.OnlineCheckInterval <= 0 {
		panic(fmt.Sprintf("invalid durations: skew=%s poll=%s timeout=%s check=%s",
			cfg.ClockSkew, cfg.PollInterval, cfg.RemoteTimeout, cfg.OnlineCheckInterval))
	}
}
