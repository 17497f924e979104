package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/device"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// Flush sends userID's eligible queued writes now and returns when the queue
// is drained, blocked by backoff, or flushing stopped.
func (e *Engine) Flush(ctx context.Context, userID string) error {
	us, err := e.user(userID)
	if err != nil {
		return err
	}
	return e.flush(ctx, userID, us)
}

func (e *Engine) flush(ctx context.Context, userID string, us *userState) error {
	us.flushMu.Lock()
	defer us.flushMu.Unlock()

	for ctx.Err() == nil {
		if st, _ := us.snapshot(); st == StateRevoked {
			return common.ErrDeviceRevoked
		}

		item, wait, err := e.queue.Next(ctx, userID)
		if err != nil {
			us.setState(StateRetrying, err)
			return err
		}
		if item == nil {
			us.setState(StateIdle, nil)
			return nil
		}
		if wait > 0 {
			us.setState(StateRetrying, nil)
			us.kickAfter(wait)
			return nil
		}

		us.setState(StateFlushing, nil)
		if err := e.send(ctx, userID, us, item); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// send performs one conditional write for item and applies the outcome.
func (e *Engine) send(ctx context.Context, userID string, us *userState, item *models.QueueItem) error {
	if err := e.queue.MarkInFlight(ctx, item); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	committed, err := e.remote.WriteSettings(callCtx, item.WriteRequest())
	cancel()

	var conflictErr *models.ConflictError
	switch {
	case err == nil:
		if err := e.queue.MarkCommitted(ctx, item.ID); err != nil {
			return err
		}
		us.reregistered = false
		e.log.Debug(ctx, "write committed", "user_id", userID, "id", item.ID, "version", committed.Version)
		e.acceptRemote(ctx, committed)
		return nil

	case errors.As(err, &conflictErr):
		return e.handleConflict(ctx, item, conflictErr.Current)

	case errors.Is(err, common.ErrDeviceRevoked):
		if rerr := e.queue.Release(ctx, item); rerr != nil {
			return rerr
		}
		e.revoke(ctx, userID, us)
		return &device.RegistrationError{UserID: userID, DeviceID: item.DeviceID, Err: err}

	case errors.Is(err, common.ErrDeviceNotRegistered):
		if rerr := e.queue.Release(ctx, item); rerr != nil {
			return rerr
		}
		regCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
		_, rerr := device.Register(regCtx, e.remote, userID, item.DeviceID, e.cfg.DeviceName)
		cancel()
		var regErr *device.RegistrationError
		if errors.As(rerr, &regErr) {
			e.revoke(ctx, userID, us)
			return rerr
		}
		if rerr != nil {
			return e.fail(ctx, userID, us, item, rerr)
		}
		// Only the first rejection since the last commit retries right away;
		// a server that keeps forgetting the device costs attempts.
		if us.reregistered {
			return e.fail(ctx, userID, us, item, err)
		}
		us.reregistered = true
		e.log.Info(ctx, "device registered again", "user_id", userID, "device_id", item.DeviceID)
		return nil

	case errors.Is(err, common.ErrMalformedData), errors.Is(err, models.ErrUnsupportedValue):
		e.report(ctx, userID, e.queue.Drop(ctx, item, err))
		return nil

	default:
		return e.fail(ctx, userID, us, item, err)
	}
}

// fail records a retryable failure. It returns nil so the caller goes back
// to the queue, which either yields the next item or reports the backoff.
func (e *Engine) fail(ctx context.Context, userID string, us *userState, item *models.QueueItem, cause error) error {
	e.log.Debug(ctx, "write failed", "user_id", userID, "id", item.ID, "error", cause)
	err := e.queue.MarkFailed(ctx, item, cause)
	var terr *queue.TerminalError
	if errors.As(err, &terr) {
		e.report(ctx, userID, err)
		return nil
	}
	if err != nil {
		return err
	}
	us.setState(StateRetrying, cause)
	return nil
}

func (e *Engine) handleConflict(ctx context.Context, item *models.QueueItem, remote models.UserSettings) error {
	e.acceptRemote(ctx, remote)

	res := e.resolver.Resolve(*item, remote)
	e.log.Debug(ctx, "write conflicted", "user_id", item.UserID, "id", item.ID,
		"remote_version", remote.Version, "kept", res.Kept, "dropped", res.Dropped)

	if res.Conflict != nil {
		if err := e.conflicts.Save(ctx, res.Conflict); err != nil {
			return fmt.Errorf("save conflict: %w", err)
		}
		e.log.Info(ctx, "conflict needs resolution", "user_id", item.UserID, "conflict_id", res.Conflict.ID, "fields", res.Conflict.Fields)
	}

	switch {
	case res.Rebased != nil:
		if err := e.queue.Rebase(ctx, res.Rebased); err != nil {
			return err
		}
	case res.Conflict != nil:
		if err := e.queue.MarkConflicted(ctx, item, res.Conflict.ID); err != nil {
			return err
		}
	default:
		if err := e.queue.Remove(ctx, item.ID); err != nil {
			return err
		}
	}

	if res.Conflict != nil {
		for _, h := range e.handlers.conflicted() {
			h(*res.Conflict)
		}
	}
	return nil
}

func (e *Engine) revoke(ctx context.Context, userID string, us *userState) {
	us.mu.Lock()
	us.state = StateRevoked
	us.lastErr = common.ErrDeviceRevoked
	sub := us.sub
	us.sub = nil
	us.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	e.log.Error(ctx, "device revoked, sync halted", "user_id", userID)
}

func (e *Engine) report(ctx context.Context, userID string, err error) {
	var terr *queue.TerminalError
	if !errors.As(err, &terr) {
		if err != nil {
			e.log.Error(ctx, "failed to drop queue item", "user_id", userID, "error", err)
		}
		return
	}
	e.log.Warn(ctx, "delivery failed", "user_id", userID, "id", terr.Item.ID, "error", terr.Err)
	for _, h := range e.handlers.failed() {
		h(userID, terr)
	}
}
