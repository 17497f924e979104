// Package broker fans committed settings out to the change subscriptions of
// the same user. Delivery is latest-wins: a slow subscriber sees the newest
// snapshot, never a backlog.
package broker

import (
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/models"
)

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives committed snapshots of one user, on behalf of one
// device, on C.
type Subscription struct {
	userID   string
	deviceID string
	ch       chan models.UserSettings
	broker   *Broker

	// closed and revoked are guarded by broker.mu.
	closed  bool
	revoked bool
}

// C is closed when the subscription is closed or its device is
// disconnected.
func (s *Subscription) C() <-chan models.UserSettings {
	return s.ch
}

// Revoked reports whether C was closed by Disconnect.
func (s *Subscription) Revoked() bool {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.revoked
}

func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.remove(s)
}

// remove must be called with b.mu held.
func (b *Broker) remove(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := b.subs[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.userID)
		}
	}
	close(s.ch)
}

func (b *Broker) Subscribe(userID, deviceID string) *Subscription {
	s := &Subscription{
		userID:   userID,
		deviceID: deviceID,
		ch:       make(chan models.UserSettings, 1),
		broker:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[userID] = set
	}
	set[s] = struct{}{}
	return s
}

// Disconnect closes every subscription of the device and marks them
// revoked. It returns how many were closed.
func (b *Broker) Disconnect(userID, deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for s := range b.subs[userID] {
		if s.deviceID != deviceID {
			continue
		}
		s.revoked = true
		b.remove(s)
		n++
	}
	return n
}

// Publish never blocks. A pending snapshot that has not been received yet is
// replaced when the published one is newer.
func (b *Broker) Publish(snapshot models.UserSettings) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs[snapshot.UserID] {
		offer(s.ch, snapshot)
	}
}

// Subscribers reports the number of open subscriptions of a user.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

func offer(ch chan models.UserSettings, snapshot models.UserSettings) {
	for {
		select {
		case ch <- snapshot.Clone():
			return
		default:
		}

		select {
		case pending := <-ch:
			if pending.Version > snapshot.Version {
				snapshot = pending
			}
		default:
		}
	}
}
