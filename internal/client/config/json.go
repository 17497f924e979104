package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JSONConfig is the on-disk form of Config. Absent keys keep the defaults.
type JSONConfig struct {
	ServerEndpointAddr  string         `json:"server_endpoint_addr"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
	UserID              string         `json:"user_id"`
	AccessToken         string         `json:"access_token"`
	DeviceName          string         `json:"device_name"`
	DataFile            string         `json:"data_file"`
	Encrypt             bool           `json:"encrypt"`
	LogFile             string         `json:"log_file"`
	CacheTTL            timex.Duration `json:"cache_ttl"`
	ClockSkew           timex.Duration `json:"clock_skew"`
	RemoteTimeout       timex.Duration `json:"remote_timeout"`
	PollInterval        timex.Duration `json:"poll_interval"`
}

// parseJSON overlays cfg with the file named by -c or -config, if any.
// It panics on read or unmarshal errors.
func parseJSON(cfg *Config, args []string) {
	path := flagx.ConfigPath(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	var jc JSONConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setString(&cfg.UserID, jc.UserID)
	setString(&cfg.AccessToken, jc.AccessToken)
	setString(&cfg.DeviceName, jc.DeviceName)
	setString(&cfg.DataFile, jc.DataFile)
	setString(&cfg.LogFile, jc.LogFile)
	cfg.Encrypt = cfg.Encrypt || jc.Encrypt

	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.CacheTTL, jc.CacheTTL)
	setDuration(&cfg.ClockSkew, jc.ClockSkew)
	setDuration(&cfg.RemoteTimeout, jc.RemoteTimeout)
	setDuration(&cfg.PollInterval, jc.PollInterval)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
