package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/rpc"
	"github.com/dmitrijs2005/gophsync/internal/server/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// toStatus maps service errors onto the status codes clients rely on.
func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, common.ErrDeviceRevoked):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, common.ErrDeviceNotRegistered):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, common.ErrMalformedData):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	s.logger.Error(ctx, "request failed", "error", err)
	return status.Error(codes.Internal, common.ErrorInternal.Error())
}

func (s *GRPCServer) Ping(ctx context.Context, _ *rpc.PingRequest) (*rpc.PingResponse, error) {
	return &rpc.PingResponse{Status: "OK"}, nil
}

func (s *GRPCServer) ReadSettings(ctx context.Context, req *rpc.ReadSettingsRequest) (*rpc.ReadSettingsResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.devices.Check(ctx, req.UserID, req.DeviceID); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	cur, err := s.settings.Read(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.ReadSettingsResponse{Settings: cur}, nil
}

func (s *GRPCServer) WriteSettings(ctx context.Context, req *rpc.WriteSettingsRequest) (*rpc.WriteSettingsResponse, error) {
	if err := authorize(ctx, req.Write.UserID); err != nil {
		return nil, err
	}

	next, err := s.settings.Write(ctx, req.Write)
	if err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			s.metrics.ObserveWrite(metrics.WriteConflict)
			s.logger.Debug(ctx, "write conflict",
				"user_id", req.Write.UserID, "expected", req.Write.ExpectedVersion, "current", conflict.Current.Version)
			return &rpc.WriteSettingsResponse{Committed: false, Settings: conflict.Current}, nil
		}
		s.metrics.ObserveWrite(metrics.WriteFailed)
		return nil, s.toStatus(ctx, err)
	}

	s.metrics.ObserveWrite(metrics.WriteCommitted)
	return &rpc.WriteSettingsResponse{Committed: true, Settings: next}, nil
}

func (s *GRPCServer) PollVersion(ctx context.Context, req *rpc.PollVersionRequest) (*rpc.PollVersionResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.devices.Check(ctx, req.UserID, req.DeviceID); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	v, err := s.settings.PollVersion(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.PollVersionResponse{Version: v}, nil
}

func (s *GRPCServer) RegisterDevice(ctx context.Context, req *rpc.RegisterDeviceRequest) (*rpc.RegisterDeviceResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Device registration", "user_id", req.UserID, "device_id", req.DeviceID)

	d, err := s.devices.Register(ctx, req.UserID, req.DeviceID, req.Name)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.RegisterDeviceResponse{Device: d}, nil
}

func (s *GRPCServer) RevokeDevice(ctx context.Context, req *rpc.RevokeDeviceRequest) (*rpc.RevokeDeviceResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Device revocation", "user_id", req.UserID, "device_id", req.DeviceID)

	d, err := s.devices.Revoke(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.RevokeDeviceResponse{Device: d}, nil
}

func (s *GRPCServer) ListDevices(ctx context.Context, req *rpc.ListDevicesRequest) (*rpc.ListDevicesResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	list, err := s.devices.List(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.ListDevicesResponse{Devices: list}, nil
}

func (s *GRPCServer) ExportSettings(ctx context.Context, req *rpc.ExportSettingsRequest) (*rpc.ExportSettingsResponse, error) {
	if err := authorize(ctx, req.UserID); err != nil {
		return nil, err
	}
	if s.exports == nil {
		return nil, status.Error(codes.Unimplemented, "export is not configured")
	}
	e, err := s.exports.Export(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return &rpc.ExportSettingsResponse{Key: e.Key, URL: e.URL, Version: e.Version}, nil
}

// SubscribeChanges streams every committed version above req.AfterVersion,
// starting with the current one. A subscriber that falls behind skips
// straight to the newest version. The stream ends with PermissionDenied
// when the device is revoked.
func (s *GRPCServer) SubscribeChanges(req *rpc.SubscribeRequest, stream rpc.ChangeStreamServer) error {
	ctx := stream.Context()
	if err := authorize(ctx, req.UserID); err != nil {
		return err
	}
	if s.broker == nil {
		return status.Error(codes.Unimplemented, "push is not enabled")
	}

	// subscribe before reading so no commit falls between the two, and
	// before the device check so no revocation does either
	sub := s.broker.Subscribe(req.UserID, req.DeviceID)
	defer sub.Close()
	if err := s.devices.Check(ctx, req.UserID, req.DeviceID); err != nil {
		return s.toStatus(ctx, err)
	}
	s.metrics.SubscriptionOpened()
	defer s.metrics.SubscriptionClosed()

	if err := stream.SendHeader(metadata.Pairs(common.SubscribedHeaderName, "1")); err != nil {
		return err
	}

	last := req.AfterVersion
	send := func(snapshot models.UserSettings) error {
		if snapshot.Version <= last {
			return nil
		}
		if err := stream.Send(&rpc.ChangeEvent{Settings: snapshot}); err != nil {
			return err
		}
		last = snapshot.Version
		s.metrics.ChangePublished()
		return nil
	}

	cur, err := s.settings.Read(ctx, req.UserID)
	if err != nil {
		return s.toStatus(ctx, err)
	}
	if err := send(cur); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server is shutting down")
		case snapshot, ok := <-sub.C():
			if !ok {
				if sub.Revoked() {
					return s.toStatus(ctx, common.ErrDeviceRevoked)
				}
				return nil
			}
			if err := send(snapshot); err != nil {
				return err
			}
		}
	}
}
