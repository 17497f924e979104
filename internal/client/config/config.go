package config

import (
	"os"
	"time"
)

// Config holds runtime settings of the sync client.
type Config struct {
	ServerEndpointAddr  string
	OnlineCheckInterval time.Duration
	UserID              string
	AccessToken         string
	DeviceName          string
	DataFile            string
	Encrypt             bool
	LogFile             string

	CacheTTL      time.Duration
	ClockSkew     time.Duration
	RemoteTimeout time.Duration
	PollInterval  time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.OnlineCheckInterval = 3 * time.Second
	c.DataFile = "gophsync.db"
	c.CacheTTL = 30 * time.Second
	c.ClockSkew = 2 * time.Second
	c.RemoteTimeout = 10 * time.Second
	c.PollInterval = 15 * time.Second

	if host, err := os.Hostname(); err == nil {
		c.DeviceName = host
	}
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	return load(os.Args[1:])
}

func load(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJSON(cfg, args)
	parseFlags(cfg, args)
	return cfg
}
