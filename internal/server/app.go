// Package server wires the settings server together: Postgres storage,
// services, the change broker, the gRPC endpoint and the metrics endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/broker"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/metrics"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/gophsync/internal/server/grpc"
)

var (
	openDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("pgx", dsn)
	}
	newRepoManager = repomanager.NewPostgresRepositoryManager
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	sync    func() error
	db      *sql.DB
	metrics *metrics.Metrics
	grpc    *gs.GRPCServer
}

func newLogger(format string) (logging.Logger, func() error, error) {
	switch format {
	case "", "slog":
		return logging.NewJSONLogger(os.Stdout, slog.LevelInfo), func() error { return nil }, nil
	case "zap":
		l, err := logging.NewProductionZapLogger()
		if err != nil {
			return nil, nil, err
		}
		return l, l.Sync, nil
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, syncLogger, err := newLogger(c.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := newRepoManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	b := broker.New()
	m := metrics.New()
	settings := services.NewSettingsService(db, rm, b)

	srv := gs.NewGRPCServer(c.EndpointAddrGRPC, logger, gs.Services{
		Settings: settings,
		Devices:  services.NewDeviceService(db, rm, b),
		Exports:  services.NewExportService(settings, c),
		Broker:   b,
	}, m, c.SecretKey)

	return &App{config: c, logger: logger, sync: syncLogger, db: db, metrics: m, grpc: srv}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) serveHTTP(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           metrics.NewRouter(app.metrics, app.db.PingContext),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves gRPC and HTTP until ctx is cancelled, a termination signal
// arrives, or either server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	defer func() {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "db close", "error", err)
		}
		_ = app.sync()
	}()

	httpLis, err := net.Listen("tcp", app.config.EndpointAddrHTTP)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.grpc.Run(ctx) })
	g.Go(func() error { return app.serveHTTP(ctx, httpLis) })

	return g.Wait()
}
