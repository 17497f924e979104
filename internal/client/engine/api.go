package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// GetSettings returns the cached committed snapshot of userID. A stale
// snapshot is returned immediately while a refetch runs in the background;
// without any snapshot the call reads from the remote store.
func (e *Engine) GetSettings(ctx context.Context, userID string) (models.UserSettings, error) {
	entry, stale, ok := e.cache.Get(userID)
	if ok {
		if stale {
			e.revalidateAsync(userID)
		}
		return entry.Settings, nil
	}
	return e.Refresh(ctx, userID)
}

// Refresh reads userID's record from the remote store and merges it into
// the cache. Concurrent refreshes of one user share a single remote read.
func (e *Engine) Refresh(ctx context.Context, userID string) (models.UserSettings, error) {
	ch := e.revalidate.DoChan(userID, func() (any, error) {
		return e.fetch(e.ctx, userID)
	})
	select {
	case <-ctx.Done():
		return models.UserSettings{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return models.UserSettings{}, r.Err
		}
		entry, _, ok := e.cache.Get(userID)
		if !ok {
			return r.Val.(models.UserSettings).Clone(), nil
		}
		return entry.Settings, nil
	}
}

func (e *Engine) revalidateAsync(userID string) {
	e.revalidate.DoChan(userID, func() (any, error) {
		s, err := e.fetch(e.ctx, userID)
		if err != nil {
			e.log.Warn(e.ctx, "background refresh failed", "user_id", userID, "error", err)
		}
		return s, err
	})
}

func (e *Engine) fetch(ctx context.Context, userID string) (models.UserSettings, error) {
	us, err := e.user(userID)
	if err != nil {
		return models.UserSettings{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	s, err := e.remote.ReadSettings(callCtx, userID, e.DeviceID())
	if errors.Is(err, common.ErrDeviceRevoked) {
		e.revoke(ctx, userID, us)
	}
	if err != nil {
		return models.UserSettings{}, err
	}
	if _, err := s.Fields.Normalize(); err != nil {
		return models.UserSettings{}, fmt.Errorf("%w: %v", common.ErrMalformedData, err)
	}
	if s.UserID == "" {
		s.UserID = userID
	}
	e.acceptRemote(ctx, s)
	return s, nil
}

// UpdateSettings durably queues patch for userID and returns the queued
// item. It does not wait for the server; flushing starts in the background.
//
// The item's base is the value of each patched field as this device last
// saw it: the committed snapshot overlaid with writes still queued.
func (e *Engine) UpdateSettings(ctx context.Context, userID string, patch models.Fields) (*models.QueueItem, error) {
	us, err := e.user(userID)
	if err != nil {
		return nil, err
	}
	if st, _ := us.snapshot(); st == StateRevoked {
		return nil, common.ErrDeviceRevoked
	}

	item, err := e.enqueue(ctx, e.queue, userID, patch)
	if err != nil {
		return nil, err
	}
	us.kickNow()
	return item, nil
}

func (e *Engine) enqueue(ctx context.Context, q *queue.Queue, userID string, patch models.Fields) (*models.QueueItem, error) {
	normalized, err := patch.Normalize()
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, queue.ErrEmptyPatch
	}

	base, baseVersion, err := e.localView(ctx, q, userID)
	if err != nil {
		return nil, err
	}

	return q.Enqueue(ctx, models.QueueItem{
		UserID:      userID,
		DeviceID:    e.DeviceID(),
		Patch:       normalized,
		Base:        base.Subset(normalized.Keys()),
		BaseVersion: baseVersion,
		CreatedAt:   e.now(),
	})
}

// localView returns the committed fields with queued patches applied in
// queue order, and the committed version they rest on.
func (e *Engine) localView(ctx context.Context, q *queue.Queue, userID string) (models.Fields, int64, error) {
	entry, _, ok := e.cache.Get(userID)
	view := models.Fields{}
	var version int64
	if ok {
		view = entry.Settings.Fields
		version = entry.Version()
	}

	pending, err := q.Pending(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range pending {
		for k, v := range p.Patch {
			view[k] = v
		}
	}
	return view, version, nil
}

// OnSettingsChanged registers handler for committed changes of userID, from
// this device's flushes and from other devices. Versions are delivered in
// increasing order, each at most once. The returned func unregisters it.
func (e *Engine) OnSettingsChanged(userID string, handler func(models.UserSettings)) func() {
	return e.handlers.addChange(userID, handler)
}

// OnDeliveryFailure registers handler for queued writes that were given up.
func (e *Engine) OnDeliveryFailure(handler func(userID string, err *queue.TerminalError)) {
	e.handlers.mu.Lock()
	e.handlers.onFailure = append(e.handlers.onFailure, handler)
	e.handlers.mu.Unlock()
}

// OnFeedFailure registers handler for change feeds that stopped on an error
// other than revocation, such as remote data that cannot be decrypted.
// Local writes keep flushing; remote changes are no longer delivered.
func (e *Engine) OnFeedFailure(handler func(userID string, err error)) {
	e.handlers.mu.Lock()
	e.handlers.onFeed = append(e.handlers.onFeed, handler)
	e.handlers.mu.Unlock()
}

// OnConflict registers handler for conflicts that need manual resolution.
func (e *Engine) OnConflict(handler func(models.ConflictRecord)) {
	e.handlers.mu.Lock()
	e.handlers.onConflict = append(e.handlers.onConflict, handler)
	e.handlers.mu.Unlock()
}

func (e *Engine) ListUnresolvedConflicts(ctx context.Context, userID string) ([]models.ConflictRecord, error) {
	return e.conflicts.ListUnresolved(ctx, userID)
}

// ErrInvalidResolution is returned when chosen values name fields that are
// not part of the conflict.
var ErrInvalidResolution = errors.New("invalid conflict resolution")

// ResolveConflict settles a conflict with the chosen values. Fields of the
// conflict missing from chosen keep the remote value. The chosen values are
// queued as a new write and the parked original write is discarded.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, chosen models.Fields) error {
	rec, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if rec.Resolution != models.ResolutionUnresolved {
		return fmt.Errorf("conflict %s is already %s", conflictID, rec.Resolution)
	}

	inConflict := make(map[string]bool, len(rec.Fields))
	for _, f := range rec.Fields {
		inConflict[f] = true
	}
	for k := range chosen {
		if !inConflict[k] {
			return fmt.Errorf("%w: field %q is not in conflict %s", ErrInvalidResolution, k, conflictID)
		}
	}

	us, err := e.user(rec.UserID)
	if err != nil {
		return err
	}
	if st, _ := us.snapshot(); st == StateRevoked {
		return common.ErrDeviceRevoked
	}

	err = e.repos.InTx(ctx, func(ctx context.Context, tx *repositories.Repositories) error {
		q := e.queue.WithRepository(tx.Queue)
		if _, err := q.RemoveByConflict(ctx, conflictID); err != nil {
			return err
		}
		if len(chosen) > 0 {
			if _, err := e.enqueue(ctx, q, rec.UserID, chosen); err != nil {
				return err
			}
		}
		return e.conflicts.WithRepository(tx.Conflicts).MarkResolved(ctx, conflictID, models.ResolutionManual)
	})
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}
	us.kickNow()
	e.log.Info(ctx, "conflict resolved", "user_id", rec.UserID, "conflict_id", conflictID)
	return nil
}

// Status describes the sync state of one user.
type Status struct {
	UserID    string
	State     State
	FeedMode  string
	Version   int64
	Pending   int
	Conflicts int
	LastError string
	// FeedError is set when remote changes stopped arriving.
	FeedError string
	CheckedAt time.Time
}

// Summary renders the status the way a settings screen shows it.
func (s Status) Summary() string {
	switch {
	case s.State == StateRevoked:
		return "revoked"
	case s.Conflicts > 0, s.FeedError != "":
		return "needs-attention"
	case s.Pending > 0 && s.State == StateRetrying:
		return "offline-queued"
	case s.Pending > 0:
		return "syncing"
	default:
		return "synced"
	}
}

func (e *Engine) Status(ctx context.Context, userID string) (Status, error) {
	us, err := e.user(userID)
	if err != nil {
		return Status{}, err
	}
	items, err := e.queue.Pending(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := e.conflicts.ListUnresolved(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	st, lastErr := us.snapshot()
	out := Status{
		UserID:    userID,
		State:     st,
		Version:   e.cache.Version(userID),
		Conflicts: len(conflicts),
		CheckedAt: e.now(),
	}
	for _, it := range items {
		if it.Status != models.QueueStatusConflicted {
			out.Pending++
		}
	}
	us.mu.Lock()
	if us.sub != nil {
		out.FeedMode = string(us.sub.Mode())
	}
	if us.feedErr != nil {
		out.FeedError = us.feedErr.Error()
	}
	us.mu.Unlock()
	if lastErr != nil {
		out.LastError = lastErr.Error()
	}
	return out, nil
}
