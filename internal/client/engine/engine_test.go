package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/device"
	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	user    = "u1"
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// skewedClock is wall time shifted by a settable offset, so backoff timers
// still elapse while each simulated device sees its own time.
type skewedClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *skewedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *skewedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RemoteTimeout = time.Second
	cfg.ClockSkew = 2 * time.Second
	cfg.Retry = queue.RetryPolicy{MaxAttempts: 1000, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	cfg.Feed = feed.Config{
		PushTimeout:       time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		PushRetryInterval: 50 * time.Millisecond,
		RequestTimeout:    time.Second,
	}
	return cfg
}

type testDevice struct {
	*Engine
	clock *skewedClock
	repos *repositories.Repositories
}

func newDevice(t *testing.T, remote RemoteStore, cfg Config, offset time.Duration) *testDevice {
	t.Helper()
	repos, err := repositories.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	clock := &skewedClock{offset: offset}
	e := New(remote, repos, cfg, WithClock(clock.Now))
	t.Cleanup(e.Close)
	return &testDevice{Engine: e, clock: clock, repos: repos}
}

func startDevice(t *testing.T, remote RemoteStore, offset time.Duration) *testDevice {
	t.Helper()
	d := newDevice(t, remote, testConfig(), offset)
	require.NoError(t, d.Start(context.Background(), user))
	_, err := d.GetSettings(context.Background(), user)
	require.NoError(t, err)
	return d
}

func seedV5(remote *fakeRemote) {
	now := time.Now().Add(-time.Hour)
	remote.seed(models.UserSettings{
		UserID:     user,
		Fields:     models.Fields{"theme": "light", "language": "en"},
		FieldTimes: map[string]time.Time{"theme": now, "language": now},
		Version:    5,
		UpdatedAt:  now,
	})
}

func (d *testDevice) pending(t *testing.T) int {
	st, err := d.Status(context.Background(), user)
	require.NoError(t, err)
	return st.Pending
}

func (d *testDevice) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return d.pending(t) == 0 }, waitFor, tick)
}

func (d *testDevice) waitVersion(t *testing.T, v int64) {
	t.Helper()
	require.Eventually(t, func() bool { return d.cache.Version(user) == v }, waitFor, tick)
}

func unresolved(t *testing.T, devices ...*testDevice) []models.ConflictRecord {
	var out []models.ConflictRecord
	for _, d := range devices {
		list, err := d.ListUnresolvedConflicts(context.Background(), user)
		require.NoError(t, err)
		out = append(out, list...)
	}
	return out
}

func TestDisjointConcurrentEdits_BothSurvive(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	a := startDevice(t, remote, 0)
	b := startDevice(t, remote, 0)
	ctx := context.Background()

	remote.set(func(f *fakeRemote) { f.offline = true })
	_, err := a.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	_, err = b.UpdateSettings(ctx, user, models.Fields{"timezone": "UTC+2"})
	require.NoError(t, err)
	remote.set(func(f *fakeRemote) { f.offline = false })

	a.waitDrained(t)
	b.waitDrained(t)

	final := remote.current(user)
	assert.Equal(t, int64(7), final.Version)
	assert.Equal(t, "dark", final.Fields["theme"])
	assert.Equal(t, "UTC+2", final.Fields["timezone"])
	assert.Empty(t, unresolved(t, a, b))

	a.waitVersion(t, 7)
	b.waitVersion(t, 7)
	sa, err := a.GetSettings(ctx, user)
	require.NoError(t, err)
	sb, err := b.GetSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, sa.Fields, sb.Fields)
}

func TestOverlappingEditsWithinSkew_EscalateAndResolve(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	a := startDevice(t, remote, 0)
	b := startDevice(t, remote, time.Second)
	ctx := context.Background()

	remote.set(func(f *fakeRemote) { f.offline = true })
	_, err := a.UpdateSettings(ctx, user, models.Fields{"language": "de"})
	require.NoError(t, err)
	_, err = b.UpdateSettings(ctx, user, models.Fields{"language": "fr"})
	require.NoError(t, err)
	remote.set(func(f *fakeRemote) { f.offline = false })

	a.waitDrained(t)
	b.waitDrained(t)

	conflicts := unresolved(t, a, b)
	require.Len(t, conflicts, 1)
	rec := conflicts[0]
	assert.Equal(t, []string{"language"}, rec.Fields)
	assert.ElementsMatch(t, []any{"de", "fr"}, []any{rec.LocalValues["language"], rec.RemoteValues["language"]})
	assert.Equal(t, int64(6), remote.current(user).Version)

	owner := a
	if len(unresolved(t, b)) == 1 {
		owner = b
	}
	st, err := owner.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "needs-attention", st.Summary())

	require.NoError(t, owner.ResolveConflict(ctx, rec.ID, models.Fields{"language": "fr"}))
	require.Error(t, owner.ResolveConflict(ctx, rec.ID, models.Fields{"language": "fr"}))

	owner.waitDrained(t)
	assert.Empty(t, unresolved(t, a, b))
	items, err := owner.queue.Pending(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, items, "parked write is discarded")

	final := remote.current(user)
	assert.Equal(t, "fr", final.Fields["language"])
	a.waitVersion(t, final.Version)
	b.waitVersion(t, final.Version)
}

func TestResolveConflict_RejectsUnknownField(t *testing.T) {
	remote := newFakeRemote()
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	rec := &models.ConflictRecord{ID: "c-x", UserID: user, Fields: []string{"language"},
		LocalValues: models.Fields{}, RemoteValues: models.Fields{}}
	require.NoError(t, d.conflicts.Save(ctx, rec))

	err := d.ResolveConflict(ctx, "c-x", models.Fields{"theme": "dark"})
	assert.ErrorIs(t, err, ErrInvalidResolution)
}

func TestResolveConflict_IsAtomic(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	rec := &models.ConflictRecord{ID: "c-1", UserID: user, Fields: []string{"language"},
		LocalValues: models.Fields{"language": "de"}, RemoteValues: models.Fields{"language": "en"}, RemoteVersion: 5}
	require.NoError(t, d.conflicts.Save(ctx, rec))
	_, err := d.repos.Queue.Insert(ctx, &models.QueueItem{
		UserID: user, DeviceID: d.DeviceID(), Patch: models.Fields{"language": "de"},
		Base: models.Fields{"language": "en"}, BaseVersion: 4, CreatedAt: time.Now(),
		Status: models.QueueStatusConflicted, ConflictID: "c-1",
	})
	require.NoError(t, err)

	_, err = d.repos.DB.ExecContext(ctx, `CREATE TRIGGER fail_resolve BEFORE UPDATE ON conflicts
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`)
	require.NoError(t, err)

	require.Error(t, d.ResolveConflict(ctx, "c-1", models.Fields{"language": "fr"}))

	items, err := d.queue.Pending(ctx, user)
	require.NoError(t, err)
	require.Len(t, items, 1, "nothing is queued or removed")
	assert.Equal(t, models.QueueStatusConflicted, items[0].Status)
	require.Len(t, unresolved(t, d), 1)

	_, err = d.repos.DB.ExecContext(ctx, `DROP TRIGGER fail_resolve`)
	require.NoError(t, err)

	require.NoError(t, d.ResolveConflict(ctx, "c-1", models.Fields{"language": "fr"}))
	d.waitDrained(t)
	assert.Empty(t, unresolved(t, d))
	assert.Equal(t, []models.Fields{{"language": "fr"}}, remote.commits())
}

func TestLastWriteWins_IndependentOfArrivalOrder(t *testing.T) {
	for _, order := range []string{"early-first", "late-first"} {
		t.Run(order, func(t *testing.T) {
			remote := newFakeRemote()
			seedV5(remote)
			early := startDevice(t, remote, 0)
			late := startDevice(t, remote, 10*time.Second)
			ctx := context.Background()

			remote.set(func(f *fakeRemote) {
				f.blocked[early.DeviceID()] = true
				f.blocked[late.DeviceID()] = true
			})
			_, err := early.UpdateSettings(ctx, user, models.Fields{"language": "de"})
			require.NoError(t, err)
			_, err = late.UpdateSettings(ctx, user, models.Fields{"language": "fr"})
			require.NoError(t, err)

			first, second := early, late
			if order == "late-first" {
				first, second = late, early
			}
			remote.set(func(f *fakeRemote) { delete(f.blocked, first.DeviceID()) })
			first.waitDrained(t)
			remote.set(func(f *fakeRemote) { delete(f.blocked, second.DeviceID()) })
			second.waitDrained(t)

			assert.Equal(t, "fr", remote.current(user).Fields["language"])
			assert.Empty(t, unresolved(t, early, late))
		})
	}
}

func TestRetryAfterLostResponse_CommitsOnce(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	remote.set(func(f *fakeRemote) {
		f.failNext = 2
		f.dropNext = 1
	})
	_, err := d.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)

	d.waitDrained(t)
	assert.Len(t, remote.commits(), 1)
	assert.Equal(t, int64(6), remote.current(user).Version)
	assert.GreaterOrEqual(t, remote.writeAttempts(d.DeviceID()), 4)
	d.waitVersion(t, 6)
}

func TestOfflineReplay_CommitsInOrder(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	remote.set(func(f *fakeRemote) { f.offline = true })
	for _, v := range []string{"a", "b", "c"} {
		_, err := d.UpdateSettings(ctx, user, models.Fields{"theme": v})
		require.NoError(t, err)
	}
	st, err := d.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pending)

	remote.set(func(f *fakeRemote) { f.offline = false })
	d.waitDrained(t)

	assert.Equal(t, []models.Fields{{"theme": "a"}, {"theme": "b"}, {"theme": "c"}}, remote.commits())
	assert.Equal(t, int64(8), remote.current(user).Version)
	assert.Empty(t, unresolved(t, d))
	d.waitVersion(t, 8)
}

func TestRevokedDevice_HaltsWithoutRetry(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	remote.set(func(f *fakeRemote) { f.blocked[d.DeviceID()] = true })
	_, err := d.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	remote.revoke(user, d.DeviceID())
	remote.set(func(f *fakeRemote) { delete(f.blocked, d.DeviceID()) })

	require.Eventually(t, func() bool {
		st, err := d.Status(ctx, user)
		return err == nil && st.State == StateRevoked
	}, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	attempts := remote.writeAttempts(d.DeviceID())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, remote.writeAttempts(d.DeviceID()), "no writes after revocation")

	_, err = d.UpdateSettings(ctx, user, models.Fields{"theme": "blue"})
	assert.ErrorIs(t, err, common.ErrDeviceRevoked)

	st, err := d.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "revoked", st.Summary())
	assert.Equal(t, 1, st.Pending, "write stays queued for a later re-registration")

	again := New(remote, d.repos, testConfig())
	defer again.Close()
	err = again.Start(ctx, user)
	var regErr *device.RegistrationError
	assert.ErrorAs(t, err, &regErr)
}

func TestRevokedReader_StopsReceivingChanges(t *testing.T) {
	for _, mode := range []string{"push", "polling"} {
		t.Run(mode, func(t *testing.T) {
			remote := newFakeRemote()
			remote.noPush = mode == "polling"
			seedV5(remote)
			a := startDevice(t, remote, 0)
			b := startDevice(t, remote, 0)
			ctx := context.Background()

			remote.revoke(user, b.DeviceID())
			require.Eventually(t, func() bool {
				st, err := b.Status(ctx, user)
				return err == nil && st.State == StateRevoked
			}, waitFor, tick)

			_, err := a.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
			require.NoError(t, err)
			a.waitDrained(t)
			a.waitVersion(t, 6)
			time.Sleep(30 * time.Millisecond)

			st, err := b.Status(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, "revoked", st.Summary())
			assert.Empty(t, st.FeedMode, "subscription is torn down")
			assert.Equal(t, int64(5), b.cache.Version(user))
			assert.Zero(t, remote.writeAttempts(b.DeviceID()))

			_, err = b.Refresh(ctx, user)
			assert.ErrorIs(t, err, common.ErrDeviceRevoked)
		})
	}
}

func TestForgottenDevice_CountsAttempts(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 3
	d := newDevice(t, remote, cfg, 0)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx, user))

	failures := make(chan *queue.TerminalError, 1)
	d.OnDeliveryFailure(func(_ string, err *queue.TerminalError) { failures <- err })

	remote.set(func(f *fakeRemote) { f.forgetful = true })
	_, err := d.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)

	select {
	case terr := <-failures:
		assert.ErrorIs(t, terr, common.ErrDeviceNotRegistered)
	case <-time.After(waitFor):
		t.Fatal("write kept retrying for a device the server forgets")
	}
	assert.Equal(t, 4, remote.writeAttempts(d.DeviceID()), "one free retry, then the retry budget")
	assert.Equal(t, 0, d.pending(t))
}

func TestFeedFailure_IsReported(t *testing.T) {
	remote := newFakeRemote()
	remote.noPush = true
	seedV5(remote)
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	failed := make(chan error, 1)
	d.OnFeedFailure(func(_ string, err error) { failed <- err })
	remote.set(func(f *fakeRemote) { f.malformed = true })

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, common.ErrMalformedData)
	case <-time.After(waitFor):
		t.Fatal("feed failure not reported")
	}

	st, err := d.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "needs-attention", st.Summary())
	assert.Equal(t, string(feed.ModeFailed), st.FeedMode)
	assert.NotEmpty(t, st.FeedError)

	_, err = d.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	d.waitDrained(t)
	assert.Equal(t, "dark", remote.current(user).Fields["theme"], "local writes keep flowing")
}

func TestTerminalFailure_IsReported(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	d := newDevice(t, remote, cfg, 0)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx, user))

	failures := make(chan *queue.TerminalError, 1)
	d.OnDeliveryFailure(func(_ string, err *queue.TerminalError) { failures <- err })

	remote.set(func(f *fakeRemote) { f.offline = true })
	item, err := d.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)

	select {
	case terr := <-failures:
		assert.Equal(t, item.ID, terr.Item.ID)
		assert.ErrorIs(t, terr, common.ErrUnavailable)
	case <-time.After(waitFor):
		t.Fatal("delivery failure not reported")
	}
	assert.Equal(t, 0, d.pending(t))
}

func TestOnSettingsChanged_RemoteWritesDeliveredOnce(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	a := startDevice(t, remote, 0)
	b := startDevice(t, remote, 0)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int64
	unsubscribe := b.OnSettingsChanged(user, func(s models.UserSettings) {
		mu.Lock()
		seen = append(seen, s.Version)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := a.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	_, err = a.UpdateSettings(ctx, user, models.Fields{"theme": "blue"})
	require.NoError(t, err)
	a.waitDrained(t)
	b.waitVersion(t, 7)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, int64(7), seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestPollingFallback_DeliversRemoteChanges(t *testing.T) {
	remote := newFakeRemote()
	remote.noPush = true
	seedV5(remote)
	a := startDevice(t, remote, 0)
	b := startDevice(t, remote, 0)
	ctx := context.Background()

	_, err := a.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	b.waitVersion(t, 6)

	st, err := b.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, string(feed.ModePolling), st.FeedMode)
}

func TestGetSettings_StaleWhileRevalidate(t *testing.T) {
	remote := newFakeRemote()
	remote.noPush = true
	seedV5(remote)
	cfg := testConfig()
	cfg.Feed.PollInterval = time.Hour
	d := newDevice(t, remote, cfg, 0)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx, user))

	s, err := d.GetSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Version)
	require.Eventually(t, func() bool {
		st, err := d.Status(ctx, user)
		return err == nil && st.FeedMode == string(feed.ModePolling)
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	next := remote.current(user).Apply(models.Fields{"theme": "dark"}, time.Now(), "other")
	remote.seed(next)

	s, err = d.GetSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Version, "fresh cache is served as is")

	d.clock.Advance(time.Minute)
	s, err = d.GetSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Version, "stale cache is served immediately")

	d.waitVersion(t, 6)
}

func TestUpdateSettings_Validation(t *testing.T) {
	remote := newFakeRemote()
	d := startDevice(t, remote, 0)
	ctx := context.Background()

	_, err := d.UpdateSettings(ctx, user, models.Fields{})
	assert.ErrorIs(t, err, queue.ErrEmptyPatch)

	_, err = d.UpdateSettings(ctx, user, models.Fields{"bad": struct{}{}})
	assert.ErrorIs(t, err, models.ErrUnsupportedValue)

	_, err = d.UpdateSettings(ctx, "not-started", models.Fields{"a": true})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRestart_RecoversQueuedWrites(t *testing.T) {
	remote := newFakeRemote()
	seedV5(remote)
	ctx := context.Background()

	repos, err := repositories.Open(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	defer repos.Close()

	first := New(remote, repos, testConfig())
	require.NoError(t, first.Start(ctx, user))
	remote.set(func(f *fakeRemote) { f.offline = true })
	_, err = first.UpdateSettings(ctx, user, models.Fields{"theme": "dark"})
	require.NoError(t, err)
	first.Close()

	remote.set(func(f *fakeRemote) { f.offline = false })
	second := New(remote, repos, testConfig())
	defer second.Close()
	require.NoError(t, second.Start(ctx, user))

	require.Eventually(t, func() bool { return remote.current(user).Version == 6 }, waitFor, tick)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
}

// settle resolves every escalated conflict with the local values until all
// queues are drained.
func settle(t *testing.T, devices ...*testDevice) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		quiet := true
		for _, d := range devices {
			list, err := d.ListUnresolvedConflicts(ctx, user)
			if err != nil {
				return false
			}
			for _, rec := range list {
				quiet = false
				chosen := models.Fields{}
				for _, f := range rec.Fields {
					chosen[f] = rec.LocalValues[f]
				}
				_ = d.ResolveConflict(ctx, rec.ID, chosen)
			}
			st, err := d.Status(ctx, user)
			if err != nil || st.Pending > 0 {
				quiet = false
			}
		}
		return quiet
	}, 3*waitFor, 20*time.Millisecond)
}

func TestConvergence_RandomInterleavings(t *testing.T) {
	names := []string{"theme", "language", "timezone", "fontSize"}

	for _, seed := range []uint64{1, 7, 42, 1234} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed))
			remote := newFakeRemote()
			seedV5(remote)
			ctx := context.Background()

			devices := make([]*testDevice, 3+rng.IntN(2))
			for i := range devices {
				devices[i] = startDevice(t, remote, time.Duration(rng.IntN(4000))*time.Millisecond)
			}

			for step := 0; step < 40; step++ {
				d := devices[rng.IntN(len(devices))]
				if rng.IntN(5) == 0 {
					id := d.DeviceID()
					remote.set(func(f *fakeRemote) { f.blocked[id] = !f.blocked[id] })
					continue
				}
				name := names[rng.IntN(len(names))]
				_, err := d.UpdateSettings(ctx, user, models.Fields{name: fmt.Sprintf("v%d", rng.IntN(100))})
				require.NoError(t, err)
				if rng.IntN(3) == 0 {
					time.Sleep(time.Duration(rng.IntN(5)) * time.Millisecond)
				}
			}

			remote.set(func(f *fakeRemote) { clear(f.blocked) })
			settle(t, devices...)

			final := remote.current(user)
			for i, d := range devices {
				d.waitVersion(t, final.Version)
				entry, _, ok := d.cache.Get(user)
				require.True(t, ok)
				assert.Equal(t, final.Fields, entry.Settings.Fields, "device %d", i)
			}
		})
	}
}
