package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JSONConfig is the on-disk form of Config. Durations accept "1m" or
// integer nanoseconds. Absent keys keep the defaults.
type JSONConfig struct {
	EndpointAddrGRPC            string         `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP            string         `json:"endpoint_addr_http"`
	DatabaseDSN                 string         `json:"database_dsn"`
	SecretKey                   string         `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	LogFormat                   string         `json:"log_format"`
	S3RootUser                  string         `json:"s3_root_user"`
	S3RootPassword              string         `json:"s3_root_password"`
	S3Bucket                    string         `json:"s3_bucket"`
	S3Region                    string         `json:"s3_region"`
	S3BaseEndpoint              string         `json:"s3_base_endpoint"`
	ExportURLValidity           timex.Duration `json:"export_url_validity"`
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
	var c JSONConfig
	if err := json.Unmarshal(data, &c); err != nil {
		panic(err)
	}

	setString(&cfg.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&cfg.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&cfg.DatabaseDSN, c.DatabaseDSN)
	setString(&cfg.SecretKey, c.SecretKey)
	setString(&cfg.LogFormat, c.LogFormat)
	setString(&cfg.S3RootUser, c.S3RootUser)
	setString(&cfg.S3RootPassword, c.S3RootPassword)
	setString(&cfg.S3Bucket, c.S3Bucket)
	setString(&cfg.S3Region, c.S3Region)
	setString(&cfg.S3BaseEndpoint, c.S3BaseEndpoint)
	setDuration(&cfg.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&cfg.ExportURLValidity, c.ExportURLValidity)
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
