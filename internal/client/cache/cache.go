// Package cache keeps the last committed settings snapshot per user in
// memory, backed by the local snapshots table.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/snapshots"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

const DefaultTTL = 30 * time.Second

// Entry is a cached snapshot.
type Entry struct {
	Settings  models.UserSettings
	FetchedAt time.Time
}

func (e Entry) Version() int64 { return e.Settings.Version }

type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	ttl   time.Duration
	store snapshots.Repository
	now   func() time.Time
	log   logging.Logger
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates a cache. store may be nil for a purely in-memory cache.
func New(ttl time.Duration, store snapshots.Repository, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		store:   store,
		now:     time.Now,
		log:     logging.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("module", "cache")
	return c
}

// Get returns the cached entry of userID and whether it is older than the TTL.
func (c *Cache) Get(userID string) (entry Entry, stale bool, ok bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, false
	}
	e.Settings = e.Settings.Clone()
	return e, c.now().Sub(e.FetchedAt) > c.ttl, true
}

// Version returns the cached version of userID, or 0.
func (c *Cache) Version(userID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[userID].Settings.Version
}

// Put stores s if its version is not lower than the cached one and reports
// whether it was accepted. An equal version refreshes the fetch time.
func (c *Cache) Put(ctx context.Context, s models.UserSettings) bool {
	c.mu.Lock()
	cur, ok := c.entries[s.UserID]
	if ok && s.Version < cur.Settings.Version {
		c.mu.Unlock()
		c.log.Debug(ctx, "stale snapshot rejected", "user_id", s.UserID, "version", s.Version, "cached", cur.Settings.Version)
		return false
	}
	e := Entry{Settings: s.Clone(), FetchedAt: c.now()}
	c.entries[s.UserID] = e
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(ctx, snapshots.Snapshot{Settings: e.Settings, FetchedAt: e.FetchedAt}); err != nil {
			c.log.Warn(ctx, "failed to persist snapshot", "user_id", s.UserID, "error", err)
		}
	}
	return true
}

// Invalidate drops the in-memory entry of userID; the next read goes to the
// remote store.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Load restores the persisted snapshot of userID. The restored entry keeps
// its original fetch time and is usually stale.
func (c *Cache) Load(ctx context.Context, userID string) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	snap, err := c.store.Get(ctx, userID)
	if err != nil || snap == nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[userID]; ok && cur.Settings.Version > snap.Settings.Version {
		return false, nil
	}
	c.entries[userID] = Entry{Settings: snap.Settings, FetchedAt: snap.FetchedAt}
	return true, nil
}
