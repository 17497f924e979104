package config

import (
	"flag"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-m string   metrics/health HTTP bind address
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-l string   log format: slog or zap
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint
func parseFlags(cfg *Config, args []string) {
	var tokenValidity int
	err := flagx.ParseFiltered("server", args, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.EndpointAddrGRPC, "a", cfg.EndpointAddrGRPC, "address and port to run server")
		fs.StringVar(&cfg.EndpointAddrHTTP, "m", cfg.EndpointAddrHTTP, "address and port for metrics and health")
		fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
		fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")
		fs.IntVar(&tokenValidity, "t", int(cfg.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")
		fs.StringVar(&cfg.LogFormat, "l", cfg.LogFormat, "log format (slog|zap)")
		fs.StringVar(&cfg.S3RootUser, "u", cfg.S3RootUser, "S3 root user")
		fs.StringVar(&cfg.S3RootPassword, "p", cfg.S3RootPassword, "S3 root password")
		fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
		fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
		fs.StringVar(&cfg.S3BaseEndpoint, "e", cfg.S3BaseEndpoint, "S3 base endpoint")
	})
	if err != nil {
		panic(err)
	}

	cfg.AccessTokenValidityDuration = time.Duration(tokenValidity) * time.Minute
}
