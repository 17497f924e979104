package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "settingsync.v1.SettingsSync"

const (
	MethodPing             = "/" + ServiceName + "/Ping"
	MethodReadSettings     = "/" + ServiceName + "/ReadSettings"
	MethodWriteSettings    = "/" + ServiceName + "/WriteSettings"
	MethodPollVersion      = "/" + ServiceName + "/PollVersion"
	MethodRegisterDevice   = "/" + ServiceName + "/RegisterDevice"
	MethodRevokeDevice     = "/" + ServiceName + "/RevokeDevice"
	MethodListDevices      = "/" + ServiceName + "/ListDevices"
	MethodExportSettings   = "/" + ServiceName + "/ExportSettings"
	MethodSubscribeChanges = "/" + ServiceName + "/SubscribeChanges"
)

// SettingsSyncServer is implemented by the settings server.
type SettingsSyncServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	ReadSettings(context.Context, *ReadSettingsRequest) (*ReadSettingsResponse, error)
	WriteSettings(context.Context, *WriteSettingsRequest) (*WriteSettingsResponse, error)
	PollVersion(context.Context, *PollVersionRequest) (*PollVersionResponse, error)
	RegisterDevice(context.Context, *RegisterDeviceRequest) (*RegisterDeviceResponse, error)
	RevokeDevice(context.Context, *RevokeDeviceRequest) (*RevokeDeviceResponse, error)
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	ExportSettings(context.Context, *ExportSettingsRequest) (*ExportSettingsResponse, error)
	SubscribeChanges(*SubscribeRequest, ChangeStreamServer) error
}

// ChangeStreamServer is the server side of SubscribeChanges.
type ChangeStreamServer interface {
	Send(*ChangeEvent) error
	grpc.ServerStream
}

// UnimplementedSettingsSyncServer can be embedded to satisfy SettingsSyncServer
// while only some methods are implemented.
type UnimplementedSettingsSyncServer struct{}

func (UnimplementedSettingsSyncServer) Ping(context.Context, *PingRequest) (*PingResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedSettingsSyncServer) ReadSettings(context.Context, *ReadSettingsRequest) (*ReadSettingsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReadSettings not implemented")
}
func (UnimplementedSettingsSyncServer) WriteSettings(context.Context, *WriteSettingsRequest) (*WriteSettingsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method WriteSettings not implemented")
}
func (UnimplementedSettingsSyncServer) PollVersion(context.Context, *PollVersionRequest) (*PollVersionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PollVersion not implemented")
}
func (UnimplementedSettingsSyncServer) RegisterDevice(context.Context, *RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterDevice not implemented")
}
func (UnimplementedSettingsSyncServer) RevokeDevice(context.Context, *RevokeDeviceRequest) (*RevokeDeviceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RevokeDevice not implemented")
}
func (UnimplementedSettingsSyncServer) ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListDevices not implemented")
}
func (UnimplementedSettingsSyncServer) ExportSettings(context.Context, *ExportSettingsRequest) (*ExportSettingsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ExportSettings not implemented")
}
func (UnimplementedSettingsSyncServer) SubscribeChanges(*SubscribeRequest, ChangeStreamServer) error {
	return status.Error(codes.Unimplemented, "method SubscribeChanges not implemented")
}

// RegisterSettingsSyncServer attaches srv to a gRPC server.
func RegisterSettingsSyncServer(s grpc.ServiceRegistrar, srv SettingsSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryHandler adapts a typed method into a grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(SettingsSyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SettingsSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SettingsSyncServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeChangesHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SettingsSyncServer).SubscribeChanges(in, &changeStreamServer{ServerStream: stream})
}

type changeStreamServer struct {
	grpc.ServerStream
}

func (x *changeStreamServer) Send(m *ChangeEvent) error {
	return x.ServerStream.SendMsg(m)
}

// ServiceDesc describes SettingsSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettingsSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unaryHandler(MethodPing, SettingsSyncServer.Ping)},
		{MethodName: "ReadSettings", Handler: unaryHandler(MethodReadSettings, SettingsSyncServer.ReadSettings)},
		{MethodName: "WriteSettings", Handler: unaryHandler(MethodWriteSettings, SettingsSyncServer.WriteSettings)},
		{MethodName: "PollVersion", Handler: unaryHandler(MethodPollVersion, SettingsSyncServer.PollVersion)},
		{MethodName: "RegisterDevice", Handler: unaryHandler(MethodRegisterDevice, SettingsSyncServer.RegisterDevice)},
		{MethodName: "RevokeDevice", Handler: unaryHandler(MethodRevokeDevice, SettingsSyncServer.RevokeDevice)},
		{MethodName: "ListDevices", Handler: unaryHandler(MethodListDevices, SettingsSyncServer.ListDevices)},
		{MethodName: "ExportSettings", Handler: unaryHandler(MethodExportSettings, SettingsSyncServer.ExportSettings)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeChanges",
			Handler:       subscribeChangesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "settingsync/v1/settingsync",
}

// SettingsSyncClient is the typed client for SettingsSync.
type SettingsSyncClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	ReadSettings(ctx context.Context, in *ReadSettingsRequest, opts ...grpc.CallOption) (*ReadSettingsResponse, error)
	WriteSettings(ctx context.Context, in *WriteSettingsRequest, opts ...grpc.CallOption) (*WriteSettingsResponse, error)
	PollVersion(ctx context.Context, in *PollVersionRequest, opts ...grpc.CallOption) (*PollVersionResponse, error)
	RegisterDevice(ctx context.Context, in *RegisterDeviceRequest, opts ...grpc.CallOption) (*RegisterDeviceResponse, error)
	RevokeDevice(ctx context.Context, in *RevokeDeviceRequest, opts ...grpc.CallOption) (*RevokeDeviceResponse, error)
	ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error)
	ExportSettings(ctx context.Context, in *ExportSettingsRequest, opts ...grpc.CallOption) (*ExportSettingsResponse, error)
	SubscribeChanges(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (ChangeStreamClient, error)
}

// ChangeStreamClient is the client side of SubscribeChanges.
type ChangeStreamClient interface {
	Recv() (*ChangeEvent, error)
	grpc.ClientStream
}

type settingsSyncClient struct {
	cc grpc.ClientConnInterface
}

func NewSettingsSyncClient(cc grpc.ClientConnInterface) SettingsSyncClient {
	return &settingsSyncClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *settingsSyncClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c.cc, MethodPing, in, opts)
}

func (c *settingsSyncClient) ReadSettings(ctx context.Context, in *ReadSettingsRequest, opts ...grpc.CallOption) (*ReadSettingsResponse, error) {
	return invoke[ReadSettingsResponse](ctx, c.cc, MethodReadSettings, in, opts)
}

func (c *settingsSyncClient) WriteSettings(ctx context.Context, in *WriteSettingsRequest, opts ...grpc.CallOption) (*WriteSettingsResponse, error) {
	return invoke[WriteSettingsResponse](ctx, c.cc, MethodWriteSettings, in, opts)
}

func (c *settingsSyncClient) PollVersion(ctx context.Context, in *PollVersionRequest, opts ...grpc.CallOption) (*PollVersionResponse, error) {
	return invoke[PollVersionResponse](ctx, c.cc, MethodPollVersion, in, opts)
}

func (c *settingsSyncClient) RegisterDevice(ctx context.Context, in *RegisterDeviceRequest, opts ...grpc.CallOption) (*RegisterDeviceResponse, error) {
	return invoke[RegisterDeviceResponse](ctx, c.cc, MethodRegisterDevice, in, opts)
}

func (c *settingsSyncClient) RevokeDevice(ctx context.Context, in *RevokeDeviceRequest, opts ...grpc.CallOption) (*RevokeDeviceResponse, error) {
	return invoke[RevokeDeviceResponse](ctx, c.cc, MethodRevokeDevice, in, opts)
}

func (c *settingsSyncClient) ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error) {
	return invoke[ListDevicesResponse](ctx, c.cc, MethodListDevices, in, opts)
}

func (c *settingsSyncClient) ExportSettings(ctx context.Context, in *ExportSettingsRequest, opts ...grpc.CallOption) (*ExportSettingsResponse, error) {
	return invoke[ExportSettingsResponse](ctx, c.cc, MethodExportSettings, in, opts)
}

func (c *settingsSyncClient) SubscribeChanges(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (ChangeStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodSubscribeChanges, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &changeStreamClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type changeStreamClient struct {
	grpc.ClientStream
}

func (x *changeStreamClient) Recv() (*ChangeEvent, error) {
	m := new(ChangeEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
