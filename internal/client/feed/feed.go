// Package feed delivers remote settings changes to the engine. It prefers the
// server push stream and falls back to polling while push is unavailable.
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// ErrPushUnsupported may be returned by Source.SubscribeChanges when the
// remote store has no push channel. The feed then polls right away.
var ErrPushUnsupported = errors.New("push channel not supported")

// errPushUnstable moves the feed to polling after streams keep dropping
// before delivering anything.
var errPushUnstable = errors.New("push channel keeps dropping")

// Stream is an established push subscription.
type Stream interface {
	Recv() (models.UserSettings, error)
	Close() error
}

// Source is the remote side of the feed.
type Source interface {
	SubscribeChanges(ctx context.Context, userID, deviceID string, afterVersion int64) (Stream, error)
	PollVersion(ctx context.Context, userID, deviceID string) (int64, error)
	ReadSettings(ctx context.Context, userID, deviceID string) (models.UserSettings, error)
}

type Mode string

const (
	ModeConnecting Mode = "connecting"
	ModePush       Mode = "push"
	ModePolling    Mode = "polling"
	ModeFailed     Mode = "failed"
	ModeClosed     Mode = "closed"
)

type Config struct {
	// PushTimeout bounds establishing the push stream.
	PushTimeout time.Duration
	// ReconnectAttempts is the push retry budget before falling back to
	// polling. It also bounds consecutive streams that drop before
	// delivering anything.
	ReconnectAttempts uint
	// ReconnectDelay is the initial delay between push attempts.
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	PushRetryInterval time.Duration
	// RequestTimeout bounds each poll round trip.
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PushTimeout:       5 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    500 * time.Millisecond,
		PollInterval:      15 * time.Second,
		PushRetryInterval: time.Minute,
		RequestTimeout:    10 * time.Second,
	}
}

// IsTerminal reports whether err stops a subscription instead of being
// retried: the device was revoked or the remote data cannot be read.
func IsTerminal(err error) bool {
	return errors.Is(err, common.ErrDeviceRevoked) || errors.Is(err, common.ErrMalformedData)
}

type Feed struct {
	src Source
	cfg Config
	log logging.Logger
}

func New(src Source, cfg Config, log logging.Logger) *Feed {
	if log == nil {
		log = logging.Nop()
	}
	return &Feed{src: src, cfg: cfg, log: log.With("module", "feed")}
}

// Subscription is one user's change subscription.
type Subscription struct {
	feed          *Feed
	userID        string
	deviceID      string
	cachedVersion func() int64
	onChange      func(models.UserSettings)
	onFailure     func(error)

	// mu serializes deliveries with Close.
	mu     sync.Mutex
	closed bool
	last   int64
	err    error

	mode   atomic.Value
	cancel context.CancelFunc
	done   chan struct{}
}

type SubscribeOption func(*Subscription)

// WithFailureHandler sets fn to be called once when the subscription stops
// on a terminal error. fn runs on the feed goroutine after the subscription
// has stopped, so it may call Close.
func WithFailureHandler(fn func(error)) SubscribeOption {
	return func(s *Subscription) { s.onFailure = fn }
}

// Subscribe starts delivering changes of userID, as seen by deviceID, to
// onChange. Versions are delivered in strictly increasing order and only
// when newer than both the last delivered one and cachedVersion(). onChange
// runs on the feed's goroutine and must not call Close.
func (f *Feed) Subscribe(ctx context.Context, userID, deviceID string, cachedVersion func() int64, onChange func(models.UserSettings), opts ...SubscribeOption) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	if cachedVersion == nil {
		cachedVersion = func() int64 { return 0 }
	}
	s := &Subscription{
		feed:          f,
		userID:        userID,
		deviceID:      deviceID,
		cachedVersion: cachedVersion,
		onChange:      onChange,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.mode.Store(ModeConnecting)
	go s.run(ctx)
	return s
}

func (s *Subscription) Mode() Mode {
	return s.mode.Load().(Mode)
}

// Err returns the terminal error the subscription stopped on, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription. No change callback starts after Close
// returns and the push stream is released.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	s.mode.Store(ModeClosed)
}

func (s *Subscription) setMode(ctx context.Context, m Mode) {
	if prev := s.mode.Swap(m); prev != m {
		s.feed.log.Info(ctx, "feed mode changed", "user_id", s.userID, "mode", string(m))
	}
}

func (s *Subscription) floor() int64 {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	return max(last, s.cachedVersion())
}

// deliver hands settings to the subscriber if it is newer than anything
// delivered or cached.
func (s *Subscription) deliver(settings models.UserSettings) bool {
	cached := s.cachedVersion()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || settings.Version <= s.last || settings.Version <= cached {
		return false
	}
	s.last = settings.Version
	s.onChange(settings)
	return true
}

func (s *Subscription) run(ctx context.Context) {
	err := s.loop(ctx)
	if err == nil || ctx.Err() != nil {
		close(s.done)
		return
	}

	s.cancel()
	s.mu.Lock()
	s.err = err
	notify := !s.closed && s.onFailure != nil
	s.mu.Unlock()
	s.setMode(ctx, ModeFailed)
	s.feed.log.Error(ctx, "change feed stopped", "user_id", s.userID, "error", err)
	close(s.done)

	if notify {
		s.onFailure(err)
	}
}

// loop runs until ctx is done or a terminal error occurs, which it returns.
func (s *Subscription) loop(ctx context.Context) error {
	cfg := s.feed.cfg
	drops := newBackOff(cfg)
	var empty uint

	stream, err := s.connect(ctx)
	for ctx.Err() == nil {
		if err == nil {
			s.setMode(ctx, ModePush)
			received, rerr := s.consume(ctx, stream)
			_ = stream.Close()
			if ctx.Err() != nil {
				return nil
			}
			if IsTerminal(rerr) {
				return rerr
			}
			s.feed.log.Warn(ctx, "push channel dropped", "user_id", s.userID, "error", rerr)

			if received {
				empty = 0
				drops.Reset()
				stream, err = s.connect(ctx)
				continue
			}
			empty++
			if empty >= max(cfg.ReconnectAttempts, 1) {
				stream, err = nil, errPushUnstable
				continue
			}
			if !sleep(ctx, drops.NextBackOff()) {
				return nil
			}
			stream, err = s.connect(ctx)
			continue
		}
		if IsTerminal(err) {
			return err
		}

		s.feed.log.Warn(ctx, "push channel unavailable, polling", "user_id", s.userID, "error", err)
		s.setMode(ctx, ModePolling)
		stream, err = s.poll(ctx)
		if err != nil || stream == nil {
			return err
		}
	}
	return nil
}

func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectDelay
	b.MaxInterval = cfg.PushRetryInterval
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connect opens the push stream within the reconnect budget.
func (s *Subscription) connect(ctx context.Context) (Stream, error) {
	cfg := s.feed.cfg
	op := func() (Stream, error) {
		st, err := s.open(ctx)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrPushUnsupported) || IsTerminal(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(cfg)),
		backoff.WithMaxTries(max(cfg.ReconnectAttempts, 1)),
	)
}

// open makes a single attempt to establish the stream within PushTimeout.
// The timeout only covers establishment; the stream lives with ctx.
func (s *Subscription) open(ctx context.Context) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(s.feed.cfg.PushTimeout, cancel)

	st, err := s.feed.src.SubscribeChanges(streamCtx, s.userID, s.deviceID, s.floor())
	if !timer.Stop() {
		if st != nil {
			_ = st.Close()
		}
		cancel()
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, err
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelStream{Stream: st, cancel: cancel}, nil
}

// consume delivers stream messages until Recv fails. received reports
// whether anything arrived before that.
func (s *Subscription) consume(ctx context.Context, stream Stream) (bool, error) {
	received := false
	for {
		settings, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				s.feed.log.Debug(ctx, "push receive failed", "user_id", s.userID, "error", err)
			}
			return received, err
		}
		received = true
		if s.deliver(settings) {
			s.feed.log.Debug(ctx, "pushed change delivered", "user_id", s.userID, "version", settings.Version)
		}
	}
}

// poll checks the remote version every PollInterval and returns a push stream
// once one can be re-established. It returns nil, nil when ctx is done and
// the error on a terminal failure.
func (s *Subscription) poll(ctx context.Context) (Stream, error) {
	cfg := s.feed.cfg
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	retry := time.NewTimer(cfg.PushRetryInterval)
	defer retry.Stop()

	if err := s.pollOnce(ctx); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				return nil, err
			}
		case <-retry.C:
			st, err := s.open(ctx)
			if err == nil {
				s.feed.log.Info(ctx, "push channel restored", "user_id", s.userID)
				return st, nil
			}
			if IsTerminal(err) {
				return nil, err
			}
			retry.Reset(cfg.PushRetryInterval)
		}
	}
}

// pollOnce returns only terminal errors; the rest are retried on the next
// tick.
func (s *Subscription) pollOnce(ctx context.Context) error {
	cfg := s.feed.cfg
	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()

	v, err := s.feed.src.PollVersion(callCtx, s.userID, s.deviceID)
	if err != nil {
		if IsTerminal(err) {
			return err
		}
		s.feed.log.Debug(ctx, "poll failed", "user_id", s.userID, "error", err)
		return nil
	}
	if v <= s.floor() {
		return nil
	}

	settings, err := s.feed.src.ReadSettings(callCtx, s.userID, s.deviceID)
	if err != nil {
		if IsTerminal(err) {
			return err
		}
		s.feed.log.Warn(ctx, "read after poll failed", "user_id", s.userID, "error", err)
		return nil
	}
	if s.deliver(settings) {
		s.feed.log.Debug(ctx, "polled change delivered", "user_id", s.userID, "version", settings.Version)
	}
	return nil
}

type cancelStream struct {
	Stream
	cancel context.CancelFunc
}

func (c *cancelStream) Close() error {
	c.cancel()
	return c.Stream.Close()
}
