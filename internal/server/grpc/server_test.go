package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/client/remote"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"github.com/dmitrijs2005/gophsync/internal/server/broker"
	"github.com/dmitrijs2005/gophsync/internal/server/metrics"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const secret = "test-secret"

// memSettings is an in-memory stand-in for the settings service that
// publishes commits like the real one.
type memSettings struct {
	mu      sync.Mutex
	rows    map[string]models.UserSettings
	devices *memDevices
	broker  *broker.Broker
	err     error
}

func (m *memSettings) Read(_ context.Context, userID string) (models.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.UserSettings{}, m.err
	}
	if s, ok := m.rows[userID]; ok {
		return s.Clone(), nil
	}
	return models.UserSettings{UserID: userID, Fields: models.Fields{}}, nil
}

func (m *memSettings) Write(ctx context.Context, req models.WriteRequest) (models.UserSettings, error) {
	if d, err := m.devices.get(req.UserID, req.DeviceID); err != nil {
		return models.UserSettings{}, common.ErrDeviceNotRegistered
	} else if d.Revoked {
		return models.UserSettings{}, common.ErrDeviceRevoked
	}

	m.mu.Lock()
	cur, ok := m.rows[req.UserID]
	if !ok {
		cur = models.UserSettings{UserID: req.UserID, Fields: models.Fields{}}
	}
	if cur.Version != req.ExpectedVersion {
		m.mu.Unlock()
		return models.UserSettings{}, &models.ConflictError{Current: cur.Clone()}
	}
	next := cur.Apply(req.Patch, req.WrittenAt, req.DeviceID)
	m.rows[req.UserID] = next
	m.mu.Unlock()

	m.broker.Publish(next)
	return next.Clone(), nil
}

func (m *memSettings) PollVersion(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[userID].Version, nil
}

// memDevices disconnects revoked devices from the broker like the real
// device service.
type memDevices struct {
	mu     sync.Mutex
	rows   map[string]models.Device
	broker *broker.Broker
}

func (m *memDevices) get(userID, deviceID string) (models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[userID+"/"+deviceID]
	if !ok {
		return models.Device{}, common.ErrorNotFound
	}
	return d, nil
}

func (m *memDevices) Register(_ context.Context, userID, deviceID, name string) (models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + deviceID
	d, ok := m.rows[key]
	if !ok {
		d = models.Device{UserID: userID, DeviceID: deviceID, Name: name, RegisteredAt: time.Now()}
		m.rows[key] = d
	}
	if d.Revoked {
		return d, common.ErrDeviceRevoked
	}
	return d, nil
}

func (m *memDevices) Revoke(_ context.Context, userID, deviceID string) (models.Device, error) {
	m.mu.Lock()
	key := userID + "/" + deviceID
	d, ok := m.rows[key]
	if !ok {
		m.mu.Unlock()
		return models.Device{}, common.ErrorNotFound
	}
	d.Revoked = true
	m.rows[key] = d
	m.mu.Unlock()

	m.broker.Disconnect(userID, deviceID)
	return d, nil
}

func (m *memDevices) Check(_ context.Context, userID, deviceID string) error {
	d, err := m.get(userID, deviceID)
	if err != nil {
		return common.ErrDeviceNotRegistered
	}
	if d.Revoked {
		return common.ErrDeviceRevoked
	}
	return nil
}

func (m *memDevices) List(_ context.Context, userID string) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for _, d := range m.rows {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

type stubExports struct{}

func (stubExports) Export(_ context.Context, userID string) (services.Export, error) {
	return services.Export{Key: "exports/" + userID + ".json", URL: "https://s3.local/x", Version: 3}, nil
}

type harness struct {
	server   *GRPCServer
	settings *memSettings
	devices  *memDevices
	metrics  *metrics.Metrics
	lis      *bufconn.Listener
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := broker.New()
	devs := &memDevices{rows: map[string]models.Device{}, broker: b}
	h := &harness{
		settings: &memSettings{rows: map[string]models.UserSettings{}, devices: devs, broker: b},
		devices:  devs,
		metrics:  metrics.New(),
		lis:      bufconn.Listen(1 << 20),
		done:     make(chan error, 1),
	}
	h.server = NewGRPCServer("bufnet", logging.Nop(), Services{
		Settings: h.settings,
		Devices:  devs,
		Exports:  stubExports{},
		Broker:   b,
	}, h.metrics, secret)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.server.Serve(ctx, h.lis) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) client(t *testing.T, token string) *remote.GRPCClient {
	t.Helper()
	c, err := remote.New("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return h.lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, []byte(secret), time.Hour)
	require.NoError(t, err)
	return tok
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPing_WithoutToken(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client(t, "").Ping(ctxTimeout(t)))
}

func TestAuth(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)

	expired, err := auth.GenerateToken("u1", []byte(secret), -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "expired", token: expired},
		{name: "other user", token: tokenFor(t, "u2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client(t, tt.token).ReadSettings(ctx, "u1", "dev-a")
			require.ErrorIs(t, err, common.ErrorUnauthorized)
		})
	}
}

func TestWriteSettings_CommitAndConflict(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))

	_, err := c.RegisterDevice(ctx, "u1", "dev-a", "laptop")
	require.NoError(t, err)

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	got, err := c.WriteSettings(ctx, models.WriteRequest{
		UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"theme": "dark"}, ExpectedVersion: 0, WrittenAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	_, err = c.WriteSettings(ctx, models.WriteRequest{
		UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"theme": "light"}, ExpectedVersion: 0, WrittenAt: at,
	})
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Current.Version)
	assert.Equal(t, "dark", conflict.Current.Fields["theme"])

	v, err := c.PollVersion(ctx, "u1", "dev-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	read, err := c.ReadSettings(ctx, "u1", "dev-a")
	require.NoError(t, err)
	assert.True(t, read.FieldTime("theme").Equal(at))
}

func TestWriteSettings_DeviceErrors(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))

	req := models.WriteRequest{UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"a": true}}
	_, err := c.WriteSettings(ctx, req)
	require.ErrorIs(t, err, common.ErrDeviceNotRegistered)

	_, err = c.RegisterDevice(ctx, "u1", "dev-a", "")
	require.NoError(t, err)
	_, err = c.RevokeDevice(ctx, "u1", "dev-a")
	require.NoError(t, err)

	_, err = c.WriteSettings(ctx, req)
	require.ErrorIs(t, err, common.ErrDeviceRevoked)

	_, err = c.RegisterDevice(ctx, "u1", "dev-a", "")
	require.ErrorIs(t, err, common.ErrDeviceRevoked)
}

func TestReadAndPoll_RequireActiveDevice(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))

	_, err := c.ReadSettings(ctx, "u1", "dev-a")
	require.ErrorIs(t, err, common.ErrDeviceNotRegistered)
	_, err = c.PollVersion(ctx, "u1", "dev-a")
	require.ErrorIs(t, err, common.ErrDeviceNotRegistered)

	_, err = c.RegisterDevice(ctx, "u1", "dev-a", "")
	require.NoError(t, err)
	_, err = c.ReadSettings(ctx, "u1", "dev-a")
	require.NoError(t, err)

	_, err = c.RevokeDevice(ctx, "u1", "dev-a")
	require.NoError(t, err)
	_, err = c.ReadSettings(ctx, "u1", "dev-a")
	require.ErrorIs(t, err, common.ErrDeviceRevoked)
	_, err = c.PollVersion(ctx, "u1", "dev-a")
	require.ErrorIs(t, err, common.ErrDeviceRevoked)
}

func TestDevicesAndExport(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))

	_, err := c.RegisterDevice(ctx, "u1", "dev-a", "laptop")
	require.NoError(t, err)

	list, err := c.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "laptop", list[0].Name)

	_, err = c.RevokeDevice(ctx, "u1", "ghost")
	require.ErrorIs(t, err, common.ErrorNotFound)

	e, err := c.ExportSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "exports/u1.json", e.Key)
	assert.Equal(t, int64(3), e.Version)
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, tokenFor(t, "u1"))
	_, err := c.RegisterDevice(ctxTimeout(t), "u1", "dev-a", "")
	require.NoError(t, err)
	h.settings.mu.Lock()
	h.settings.err = assert.AnError
	h.settings.mu.Unlock()

	_, err = c.ReadSettings(ctxTimeout(t), "u1", "dev-a")
	require.ErrorIs(t, err, common.ErrorInternal)
	assert.NotContains(t, err.Error(), assert.AnError.Error())
}

func recvVersion(t *testing.T, s feed.Stream) int64 {
	t.Helper()
	type result struct {
		v   models.UserSettings
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := s.Recv()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.v.Version
	case <-time.After(3 * time.Second):
		t.Fatal("no change received")
		return 0
	}
}

func TestSubscribeChanges_CatchUpThenLive(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))

	_, err := c.RegisterDevice(ctx, "u1", "dev-a", "")
	require.NoError(t, err)
	for v := int64(0); v < 2; v++ {
		_, err := c.WriteSettings(ctx, models.WriteRequest{UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"n": float64(v)}, ExpectedVersion: v})
		require.NoError(t, err)
	}

	stream, err := c.SubscribeChanges(ctx, "u1", "dev-a", 1)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, int64(2), recvVersion(t, stream), "current version above the cursor is sent first")

	_, err = c.WriteSettings(ctx, models.WriteRequest{UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"n": 2.0}, ExpectedVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), recvVersion(t, stream))
}

func TestSubscribeChanges_UpToDateSendsNothingUntilCommit(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))
	_, err := c.RegisterDevice(ctx, "u1", "dev-a", "")
	require.NoError(t, err)

	stream, err := c.SubscribeChanges(ctx, "u1", "dev-a", 0)
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.WriteSettings(ctx, models.WriteRequest{UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"a": true}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), recvVersion(t, stream))
}

func TestSubscribeChanges_Unauthorized(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, tokenFor(t, "u2"))

	_, err := c.SubscribeChanges(ctxTimeout(t), "u1", "dev-a", 0)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
}

func TestSubscribeChanges_ClosedOnClientCancel(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, tokenFor(t, "u1"))
	_, err := c.RegisterDevice(ctxTimeout(t), "u1", "dev-a", "")
	require.NoError(t, err)

	stream, err := c.SubscribeChanges(ctxTimeout(t), "u1", "dev-a", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, stream.Close())
	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeChanges_EndsWhenDeviceRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := ctxTimeout(t)
	c := h.client(t, tokenFor(t, "u1"))
	for _, id := range []string{"dev-a", "dev-b"} {
		_, err := c.RegisterDevice(ctx, "u1", id, "")
		require.NoError(t, err)
	}

	kept, err := c.SubscribeChanges(ctx, "u1", "dev-a", 0)
	require.NoError(t, err)
	defer kept.Close()
	revoked, err := c.SubscribeChanges(ctx, "u1", "dev-b", 0)
	require.NoError(t, err)
	defer revoked.Close()
	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 2 }, time.Second, 5*time.Millisecond)

	_, err = c.RevokeDevice(ctx, "u1", "dev-b")
	require.NoError(t, err)

	_, err = revoked.Recv()
	require.ErrorIs(t, err, common.ErrDeviceRevoked)
	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.SubscribeChanges(ctx, "u1", "dev-b", 0)
	require.ErrorIs(t, err, common.ErrDeviceRevoked)

	_, err = c.WriteSettings(ctx, models.WriteRequest{UserID: "u1", DeviceID: "dev-a", Patch: models.Fields{"a": true}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), recvVersion(t, kept))
}

func TestServe_StopsWithOpenSubscription(t *testing.T) {
	h := newHarness(t)
	c := h.client(t, tokenFor(t, "u1"))
	_, err := c.RegisterDevice(ctxTimeout(t), "u1", "dev-a", "")
	require.NoError(t, err)

	stream, err := c.SubscribeChanges(ctxTimeout(t), "u1", "dev-a", 0)
	require.NoError(t, err)
	defer stream.Close()
	require.Eventually(t, func() bool { return h.server.broker.Subscribers("u1") == 1 }, time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case <-h.done:
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = stream.Recv()
	require.ErrorIs(t, err, common.ErrUnavailable)
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	srv := NewGRPCServer("127.0.0.1:99999", logging.Nop(), Services{}, nil, secret)
	require.Error(t, srv.Run(context.Background()))
}
