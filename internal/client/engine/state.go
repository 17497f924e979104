package engine

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// State is the coordinator state of one user.
type State string

const (
	StateIdle     State = "idle"
	StateFlushing State = "flushing"
	StateRetrying State = "retrying"
	StateRevoked  State = "revoked"
)

type userState struct {
	// flushMu makes flushing single-flight per user.
	flushMu sync.Mutex
	kick    chan struct{}

	notifyMu     sync.Mutex
	lastNotified int64

	// reregistered is set after the server forgot the device and it was
	// registered again. It is guarded by flushMu and cleared on commit.
	reregistered bool

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	lastErr error
	feedErr error
	sub     *feed.Subscription
}

func newUserState() *userState {
	return &userState{kick: make(chan struct{}, 1), state: StateIdle}
}

func (us *userState) kickNow() {
	select {
	case us.kick <- struct{}{}:
	default:
	}
}

// kickAfter schedules a kick, replacing any pending one.
func (us *userState) kickAfter(d time.Duration) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.timer != nil {
		us.timer.Stop()
	}
	us.timer = time.AfterFunc(d, us.kickNow)
}

func (us *userState) setState(s State, err error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.state == StateRevoked {
		return
	}
	us.state = s
	if err != nil || s == StateIdle {
		us.lastErr = err
	}
}

func (us *userState) snapshot() (State, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.state, us.lastErr
}

func (us *userState) stop() {
	us.mu.Lock()
	if us.timer != nil {
		us.timer.Stop()
	}
	sub := us.sub
	us.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

type changeHandler struct {
	userID string
	fn     func(models.UserSettings)
}

type handlers struct {
	mu         sync.RWMutex
	nextID     int
	onChange   map[int]changeHandler
	onFailure  []func(userID string, err *queue.TerminalError)
	onConflict []func(models.ConflictRecord)
	onFeed     []func(userID string, err error)
}

func (h *handlers) addChange(userID string, fn func(models.UserSettings)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.onChange == nil {
		h.onChange = make(map[int]changeHandler)
	}
	id := h.nextID
	h.nextID++
	h.onChange[id] = changeHandler{userID: userID, fn: fn}
	return func() {
		h.mu.Lock()
		delete(h.onChange, id)
		h.mu.Unlock()
	}
}

func (h *handlers) changed(userID string) []func(models.UserSettings) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []func(models.UserSettings)
	for _, c := range h.onChange {
		if c.userID == userID {
			out = append(out, c.fn)
		}
	}
	return out
}

func (h *handlers) failed() []func(string, *queue.TerminalError) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(string, *queue.TerminalError){}, h.onFailure...)
}

func (h *handlers) conflicted() []func(models.ConflictRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(models.ConflictRecord){}, h.onConflict...)
}

func (h *handlers) feedFailed() []func(string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]func(string, error){}, h.onFeed...)
}
