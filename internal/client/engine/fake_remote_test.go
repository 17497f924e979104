package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// fakeRemote is an in-memory settings server with compare-and-swap writes.
type fakeRemote struct {
	mu       sync.Mutex
	records  map[string]models.UserSettings
	devices  map[string]*models.Device
	history  []models.Fields
	streams  map[string][]*fakeStream
	offline  bool
	blocked  map[string]bool
	failNext int
	dropNext int
	attempts map[string]int
	noPush   bool

	// forgetful answers every write as if the device was never registered.
	forgetful bool
	// malformed fails reads and polls as if the record could not be decoded.
	malformed bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  map[string]models.UserSettings{},
		devices:  map[string]*models.Device{},
		streams:  map[string][]*fakeStream{},
		blocked:  map[string]bool{},
		attempts: map[string]int{},
	}
}

func (f *fakeRemote) record(userID string) models.UserSettings {
	rec, ok := f.records[userID]
	if !ok {
		return models.UserSettings{UserID: userID, Fields: models.Fields{}}
	}
	return rec.Clone()
}

// checkDevice must be called with f.mu held.
func (f *fakeRemote) checkDevice(userID, deviceID string) error {
	d, ok := f.devices[userID+"|"+deviceID]
	if !ok {
		return common.ErrDeviceNotRegistered
	}
	if d.Revoked {
		return common.ErrDeviceRevoked
	}
	return nil
}

func (f *fakeRemote) ReadSettings(_ context.Context, userID, deviceID string) (models.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return models.UserSettings{}, common.ErrUnavailable
	}
	if err := f.checkDevice(userID, deviceID); err != nil {
		return models.UserSettings{}, err
	}
	if f.malformed {
		return models.UserSettings{}, fmt.Errorf("%w: bad ciphertext", common.ErrMalformedData)
	}
	return f.record(userID), nil
}

func (f *fakeRemote) WriteSettings(_ context.Context, req models.WriteRequest) (models.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.DeviceID]++

	if f.offline || f.blocked[req.DeviceID] {
		return models.UserSettings{}, common.ErrUnavailable
	}
	if f.failNext > 0 {
		f.failNext--
		return models.UserSettings{}, fmt.Errorf("%w: timeout", common.ErrUnavailable)
	}
	if f.forgetful {
		return models.UserSettings{}, common.ErrDeviceNotRegistered
	}
	if err := f.checkDevice(req.UserID, req.DeviceID); err != nil {
		return models.UserSettings{}, err
	}

	cur := f.record(req.UserID)
	if cur.Version != req.ExpectedVersion {
		return models.UserSettings{}, &models.ConflictError{Current: cur}
	}
	next := cur.Apply(req.Patch, req.WrittenAt, req.DeviceID)
	f.records[req.UserID] = next
	f.history = append(f.history, req.Patch.Clone())
	for _, st := range f.streams[req.UserID] {
		st.send(next.Clone())
	}

	if f.dropNext > 0 {
		f.dropNext--
		return models.UserSettings{}, fmt.Errorf("%w: response lost", common.ErrUnavailable)
	}
	return next.Clone(), nil
}

func (f *fakeRemote) RegisterDevice(_ context.Context, userID, deviceID, name string) (models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return models.Device{}, common.ErrUnavailable
	}
	key := userID + "|" + deviceID
	if d, ok := f.devices[key]; ok {
		if d.Revoked {
			return models.Device{}, common.ErrDeviceRevoked
		}
		d.LastSeenAt = time.Now()
		return *d, nil
	}
	d := &models.Device{DeviceID: deviceID, UserID: userID, Name: name, RegisteredAt: time.Now(), LastSeenAt: time.Now()}
	f.devices[key] = d
	return *d, nil
}

func (f *fakeRemote) SubscribeChanges(ctx context.Context, userID, deviceID string, after int64) (feed.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noPush {
		return nil, feed.ErrPushUnsupported
	}
	if f.offline {
		return nil, common.ErrUnavailable
	}
	if err := f.checkDevice(userID, deviceID); err != nil {
		return nil, err
	}
	st := &fakeStream{ctx: ctx, deviceID: deviceID, ch: make(chan models.UserSettings, 64), revoked: make(chan struct{})}
	f.streams[userID] = append(f.streams[userID], st)
	if cur := f.record(userID); cur.Version > after {
		st.send(cur)
	}
	return st, nil
}

func (f *fakeRemote) PollVersion(_ context.Context, userID, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return 0, common.ErrUnavailable
	}
	if err := f.checkDevice(userID, deviceID); err != nil {
		return 0, err
	}
	if f.malformed {
		return 0, fmt.Errorf("%w: bad version", common.ErrMalformedData)
	}
	return f.record(userID).Version, nil
}

// seed stores a record directly, without notifying subscribers.
func (f *fakeRemote) seed(s models.UserSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[s.UserID] = s.Clone()
}

func (f *fakeRemote) current(userID string) models.UserSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(userID)
}

func (f *fakeRemote) commits() []models.Fields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Fields(nil), f.history...)
}

func (f *fakeRemote) writeAttempts(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[deviceID]
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// revoke marks the device revoked and ends its open streams.
func (f *fakeRemote) revoke(userID, deviceID string) {
	f.set(func(f *fakeRemote) {
		if d, ok := f.devices[userID+"|"+deviceID]; ok {
			d.Revoked = true
		}
		kept := f.streams[userID][:0]
		for _, st := range f.streams[userID] {
			if st.deviceID == deviceID {
				close(st.revoked)
				continue
			}
			kept = append(kept, st)
		}
		f.streams[userID] = kept
	})
}

type fakeStream struct {
	ctx      context.Context
	deviceID string
	ch       chan models.UserSettings
	revoked  chan struct{}
}

func (s *fakeStream) send(v models.UserSettings) {
	select {
	case s.ch <- v:
	default:
	}
}

func (s *fakeStream) Recv() (models.UserSettings, error) {
	select {
	case <-s.ctx.Done():
		return models.UserSettings{}, io.EOF
	case <-s.revoked:
		return models.UserSettings{}, common.ErrDeviceRevoked
	case v := <-s.ch:
		return v, nil
	}
}

func (s *fakeStream) Close() error { return nil }
