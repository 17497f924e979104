// Command server runs the settings store: the gRPC sync API plus an HTTP
// listener for health checks and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/server"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
)

func run(ctx context.Context) error {
	app, err := server.NewApp(ctx, config.LoadConfig())
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	return app.Run(ctx)
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
