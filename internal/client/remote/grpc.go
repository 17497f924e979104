package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type GRPCClient struct {
	conn        *grpc.ClientConn
	client      rpc.SettingsSyncClient
	accessToken string
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) unaryInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
}

func (c *GRPCClient) streamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(withAccessToken(ctx, c.accessToken), desc, cc, method, opts...)
}

// New connects to the settings server at addr. Extra dial options are
// appended to the defaults (insecure transport, token interceptors).
func New(addr, accessToken string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{accessToken: accessToken}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.unaryInterceptor),
		grpc.WithStreamInterceptor(c.streamInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.client = rpc.NewSettingsSyncClient(conn)
	return c, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) Ping(ctx context.Context) error {
	resp, err := c.client.Ping(ctx, &rpc.PingRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.Status != "OK" {
		return common.ErrUnavailable
	}
	return nil
}

func (c *GRPCClient) ReadSettings(ctx context.Context, userID, deviceID string) (models.UserSettings, error) {
	resp, err := c.client.ReadSettings(ctx, &rpc.ReadSettingsRequest{UserID: userID, DeviceID: deviceID})
	if err != nil {
		return models.UserSettings{}, mapError(err)
	}
	return resp.Settings, nil
}

// WriteSettings performs the conditional write. A version mismatch is not a
// transport error: it comes back as *models.ConflictError with the current
// record.
func (c *GRPCClient) WriteSettings(ctx context.Context, req models.WriteRequest) (models.UserSettings, error) {
	resp, err := c.client.WriteSettings(ctx, &rpc.WriteSettingsRequest{Write: req})
	if err != nil {
		return models.UserSettings{}, mapError(err)
	}
	if !resp.Committed {
		return models.UserSettings{}, &models.ConflictError{Current: resp.Settings}
	}
	return resp.Settings, nil
}

func (c *GRPCClient) PollVersion(ctx context.Context, userID, deviceID string) (int64, error) {
	resp, err := c.client.PollVersion(ctx, &rpc.PollVersionRequest{UserID: userID, DeviceID: deviceID})
	if err != nil {
		return 0, mapError(err)
	}
	return resp.Version, nil
}

func (c *GRPCClient) RegisterDevice(ctx context.Context, userID, deviceID, name string) (models.Device, error) {
	resp, err := c.client.RegisterDevice(ctx, &rpc.RegisterDeviceRequest{UserID: userID, DeviceID: deviceID, Name: name})
	if err != nil {
		return models.Device{}, mapError(err)
	}
	return resp.Device, nil
}

func (c *GRPCClient) RevokeDevice(ctx context.Context, userID, deviceID string) (models.Device, error) {
	resp, err := c.client.RevokeDevice(ctx, &rpc.RevokeDeviceRequest{UserID: userID, DeviceID: deviceID})
	if err != nil {
		return models.Device{}, mapError(err)
	}
	return resp.Device, nil
}

func (c *GRPCClient) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	resp, err := c.client.ListDevices(ctx, &rpc.ListDevicesRequest{UserID: userID})
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Devices, nil
}

// Export is the location of an uploaded settings snapshot.
type Export struct {
	Key     string
	URL     string
	Version int64
}

func (c *GRPCClient) ExportSettings(ctx context.Context, userID string) (Export, error) {
	resp, err := c.client.ExportSettings(ctx, &rpc.ExportSettingsRequest{UserID: userID})
	if err != nil {
		return Export{}, mapError(err)
	}
	return Export{Key: resp.Key, URL: resp.URL, Version: resp.Version}, nil
}

// SubscribeChanges opens the push channel and returns once the server has
// accepted it. The stream ends when ctx is cancelled or Close is called, and
// with common.ErrDeviceRevoked once deviceID is revoked.
func (c *GRPCClient) SubscribeChanges(ctx context.Context, userID, deviceID string, afterVersion int64) (feed.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.client.SubscribeChanges(ctx, &rpc.SubscribeRequest{UserID: userID, DeviceID: deviceID, AfterVersion: afterVersion})
	if err != nil {
		cancel()
		return nil, mapError(err)
	}
	// The server sends headers once the subscription is registered. Without
	// them the stream was refused and Recv reports why.
	md, err := stream.Header()
	if err == nil && len(md.Get(common.SubscribedHeaderName)) == 0 {
		_, err = stream.Recv()
		if err == nil || errors.Is(err, io.EOF) {
			err = status.Error(codes.Unavailable, "subscription closed before it was established")
		}
	}
	if err != nil {
		cancel()
		if status.Code(err) == codes.Unimplemented {
			return nil, feed.ErrPushUnsupported
		}
		return nil, mapError(err)
	}
	return &changeStream{stream: stream, cancel: cancel}, nil
}

type changeStream struct {
	stream rpc.ChangeStreamClient
	cancel context.CancelFunc
}

func (s *changeStream) Recv() (models.UserSettings, error) {
	ev, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return models.UserSettings{}, io.EOF
		}
		return models.UserSettings{}, mapError(err)
	}
	return ev.Settings, nil
}

func (s *changeStream) Close() error {
	s.cancel()
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", common.ErrUnavailable, st.Message())
	case codes.PermissionDenied:
		return common.ErrDeviceRevoked
	case codes.FailedPrecondition:
		return common.ErrDeviceNotRegistered
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", common.ErrMalformedData, st.Message())
	case codes.Unauthenticated:
		return common.ErrorUnauthorized
	case codes.NotFound:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("%w: rpc error: %v", common.ErrorInternal, err)
	}
}
