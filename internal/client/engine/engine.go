// Package engine implements the settings sync engine: it queues local writes
// durably, flushes them to the settings server with compare-and-swap
// semantics, resolves conflicts per field and merges remote changes into the
// local cache.
//
// An Engine is an explicit instance; several can run side by side in one
// process (tests do that to simulate devices).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/cache"
	"github.com/dmitrijs2005/gophsync/internal/client/conflict"
	"github.com/dmitrijs2005/gophsync/internal/client/device"
	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"golang.org/x/sync/singleflight"
)

// RemoteStore is the settings server as seen by the engine.
//
// WriteSettings commits only if the stored version equals
// req.ExpectedVersion; otherwise it returns a *models.ConflictError holding
// the current record. Transport failures wrap common.ErrUnavailable,
// revoked devices common.ErrDeviceRevoked. Reads, polls and subscriptions
// are made on behalf of a device and fail the same way once it is revoked.
type RemoteStore interface {
	ReadSettings(ctx context.Context, userID, deviceID string) (models.UserSettings, error)
	WriteSettings(ctx context.Context, req models.WriteRequest) (models.UserSettings, error)
	RegisterDevice(ctx context.Context, userID, deviceID, name string) (models.Device, error)
	SubscribeChanges(ctx context.Context, userID, deviceID string, afterVersion int64) (feed.Stream, error)
	PollVersion(ctx context.Context, userID, deviceID string) (int64, error)
}

// ErrNotStarted is returned for users the engine was not started for.
var ErrNotStarted = errors.New("sync engine not started for user")

type Config struct {
	DeviceName    string
	CacheTTL      time.Duration
	RemoteTimeout time.Duration
	ClockSkew     time.Duration
	Retry         queue.RetryPolicy
	Feed          feed.Config
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:      cache.DefaultTTL,
		RemoteTimeout: 10 * time.Second,
		ClockSkew:     conflict.DefaultSkew,
		Retry:         queue.DefaultRetryPolicy(),
		Feed:          feed.DefaultConfig(),
	}
}

type Engine struct {
	remote RemoteStore
	cfg    Config
	log    logging.Logger
	now    func() time.Time

	repos     *repositories.Repositories
	identity  *device.Identity
	cache     *cache.Cache
	queue     *queue.Queue
	conflicts *conflict.Queue
	resolver  conflict.Resolver
	feed      *feed.Feed

	revalidate singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	deviceID string
	users    map[string]*userState
	handlers handlers
}

type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the clock used to stamp local writes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(remote RemoteStore, repos *repositories.Repositories, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		remote: remote,
		cfg:    cfg,
		log:    logging.Nop(),
		now:    time.Now,
		users:  make(map[string]*userState),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("module", "engine")
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.repos = repos
	e.identity = device.NewIdentity(repos.Metadata)
	e.cache = cache.New(cfg.CacheTTL, repos.Snapshots, cache.WithClock(e.now), cache.WithLogger(e.log))
	e.queue = queue.New(repos.Queue, cfg.Retry, queue.WithClock(e.now), queue.WithLogger(e.log))
	e.conflicts = conflict.NewQueue(repos.Conflicts, e.now)
	e.resolver = conflict.NewResolver(cfg.ClockSkew)
	e.resolver.Now = e.now
	e.feed = feed.New(remote, cfg.Feed, e.log)
	return e
}

// DeviceID returns this installation's device id once Start has run.
func (e *Engine) DeviceID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceID
}

// Start prepares syncing for userID: it resolves and registers the device,
// restores the cached snapshot, recovers interrupted writes, subscribes to
// remote changes and starts flushing. A revoked device fails with
// *device.RegistrationError.
func (e *Engine) Start(ctx context.Context, userID string) error {
	deviceID, err := e.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	e.mu.Lock()
	e.deviceID = deviceID
	if _, ok := e.users[userID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	_, err = device.Register(callCtx, e.remote, userID, deviceID, e.cfg.DeviceName)
	cancel()
	if err != nil {
		var regErr *device.RegistrationError
		if errors.As(err, &regErr) {
			e.log.Error(ctx, "device revoked", "user_id", userID, "device_id", deviceID)
		}
		return err
	}

	if _, err := e.cache.Load(ctx, userID); err != nil {
		e.log.Warn(ctx, "failed to restore cached snapshot", "user_id", userID, "error", err)
	}
	if _, err := e.queue.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	us := newUserState()
	us.lastNotified = e.cache.Version(userID)
	e.mu.Lock()
	if _, ok := e.users[userID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.users[userID] = us
	e.mu.Unlock()

	sub := e.feed.Subscribe(e.ctx, userID, deviceID,
		func() int64 { return e.cache.Version(userID) },
		func(s models.UserSettings) { e.acceptRemote(e.ctx, s) },
		feed.WithFailureHandler(func(err error) { e.feedFailed(userID, us, err) }),
	)
	us.mu.Lock()
	if us.state == StateRevoked {
		us.mu.Unlock()
		sub.Close()
	} else {
		us.sub = sub
		us.mu.Unlock()
	}

	e.wg.Add(1)
	go e.worker(userID, us)
	us.kickNow()

	e.log.Info(ctx, "sync started", "user_id", userID, "device_id", deviceID)
	return nil
}

// Close stops all subscriptions and background flushing. Queued writes stay
// in the local database.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	users := make([]*userState, 0, len(e.users))
	for _, us := range e.users {
		users = append(users, us)
	}
	e.mu.Unlock()

	for _, us := range users {
		us.stop()
	}
	e.wg.Wait()
}

func (e *Engine) user(userID string) (*userState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	us, ok := e.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, userID)
	}
	return us, nil
}

// worker runs flushes for one user whenever it is kicked.
func (e *Engine) worker(userID string, us *userState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-us.kick:
		}
		if err := e.flush(e.ctx, userID, us); err != nil && e.ctx.Err() == nil {
			e.log.Warn(e.ctx, "flush stopped", "user_id", userID, "error", err)
		}
	}
}

// feedFailed handles a change feed that stopped for good. Revocation halts
// syncing; anything else is surfaced while flushing continues.
func (e *Engine) feedFailed(userID string, us *userState, err error) {
	if errors.Is(err, common.ErrDeviceRevoked) {
		e.revoke(e.ctx, userID, us)
		return
	}
	us.mu.Lock()
	us.feedErr = err
	us.mu.Unlock()
	e.log.Error(e.ctx, "change feed failed", "user_id", userID, "error", err)
	for _, h := range e.handlers.feedFailed() {
		h(userID, err)
	}
}

// acceptRemote merges a committed remote record into the cache and notifies
// subscribers when it advances the cached version.
func (e *Engine) acceptRemote(ctx context.Context, s models.UserSettings) {
	us, err := e.user(s.UserID)
	if err != nil {
		return
	}

	us.notifyMu.Lock()
	defer us.notifyMu.Unlock()
	if !e.cache.Put(ctx, s) || s.Version <= us.lastNotified {
		return
	}
	us.lastNotified = s.Version
	for _, h := range e.handlers.changed(s.UserID) {
		h(s.Clone())
	}
}
