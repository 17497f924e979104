// Package grpc serves the SettingsSync service: unary settings and device
// calls plus the SubscribeChanges push stream.
package grpc

import (
	"context"
	"net"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/rpc"
	"github.com/dmitrijs2005/gophsync/internal/server/broker"
	"github.com/dmitrijs2005/gophsync/internal/server/metrics"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"google.golang.org/grpc"
)

type SettingsService interface {
	Read(ctx context.Context, userID string) (models.UserSettings, error)
	Write(ctx context.Context, req models.WriteRequest) (models.UserSettings, error)
	PollVersion(ctx context.Context, userID string) (int64, error)
}

type DeviceService interface {
	Register(ctx context.Context, userID, deviceID, name string) (models.Device, error)
	Revoke(ctx context.Context, userID, deviceID string) (models.Device, error)
	List(ctx context.Context, userID string) ([]models.Device, error)
	// Check fails unless the device is registered and not revoked.
	Check(ctx context.Context, userID, deviceID string) error
}

type ExportService interface {
	Export(ctx context.Context, userID string) (services.Export, error)
}

// Services bundles what the handlers call into.
type Services struct {
	Settings SettingsService
	Devices  DeviceService
	Exports  ExportService
	Broker   *broker.Broker
}

type GRPCServer struct {
	rpc.UnimplementedSettingsSyncServer
	address   string
	settings  SettingsService
	devices   DeviceService
	exports   ExportService
	broker    *broker.Broker
	metrics   *metrics.Metrics
	logger    logging.Logger
	jwtSecret []byte

	stopOnce sync.Once
	stopping chan struct{}
}

func NewGRPCServer(address string, l logging.Logger, svc Services, m *metrics.Metrics, secretKey string) *GRPCServer {
	if m == nil {
		m = metrics.New()
	}
	return &GRPCServer{
		address:   address,
		settings:  svc.Settings,
		devices:   svc.Devices,
		exports:   svc.Exports,
		broker:    svc.Broker,
		metrics:   m,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(secretKey),
		stopping:  make(chan struct{}),
	}
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.metrics.UnaryInterceptor(), s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	rpc.RegisterSettingsSyncServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done. Open subscriptions
// are ended before the graceful stop, which would otherwise wait for them.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.stopOnce.Do(func() { close(s.stopping) })
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	return srv.Serve(lis)
}
