// Package queue implements the durable, per-user FIFO of local mutations
// waiting to be committed by the settings server.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	queuerepo "github.com/dmitrijs2005/gophsync/internal/client/repositories/queue"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// TerminalError reports an item that exhausted its retry budget (or failed
// in a way that cannot be retried) and was removed from the queue.
type TerminalError struct {
	Item models.QueueItem
	Err  error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("queue item %d delivery failed after %d attempts: %v", e.Item.ID, e.Item.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// ErrEmptyPatch is returned when enqueueing a mutation that changes nothing.
var ErrEmptyPatch = errors.New("empty patch")

type Queue struct {
	repo   queuerepo.Repository
	policy RetryPolicy
	now    func() time.Time
	log    logging.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func New(repo queuerepo.Repository, policy RetryPolicy, opts ...Option) *Queue {
	q := &Queue{repo: repo, policy: policy, now: time.Now, log: logging.Nop()}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With("module", "queue")
	return q
}

func (q *Queue) Policy() RetryPolicy { return q.policy }

// WithRepository returns a copy of q that stores through repo, usually one
// bound to a transaction.
func (q *Queue) WithRepository(repo queuerepo.Repository) *Queue {
	c := *q
	c.repo = repo
	return &c
}

// Enqueue durably appends item and returns it with its sequence number set.
func (q *Queue) Enqueue(ctx context.Context, item models.QueueItem) (*models.QueueItem, error) {
	if len(item.Patch) == 0 {
		return nil, ErrEmptyPatch
	}
	item.Status = models.QueueStatusPending
	item.Attempts = 0
	item.NextAttemptAt = time.Time{}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}

	id, err := q.repo.Insert(ctx, &item)
	if err != nil {
		return nil, err
	}
	item.ID = id
	q.log.Debug(ctx, "enqueued", "user_id", item.UserID, "id", id, "base_version", item.BaseVersion)
	return &item, nil
}

// Next returns the head of userID's queue. When the head is still backing
// off, it is returned together with the remaining wait; later items are
// never handed out ahead of it. A nil item means the queue is empty.
func (q *Queue) Next(ctx context.Context, userID string) (*models.QueueItem, time.Duration, error) {
	head, err := q.repo.Head(ctx, userID)
	if err != nil || head == nil {
		return nil, 0, err
	}
	if wait := head.NextAttemptAt.Sub(q.now()); wait > 0 {
		return head, wait, nil
	}
	return head, 0, nil
}

func (q *Queue) MarkInFlight(ctx context.Context, item *models.QueueItem) error {
	item.Status = models.QueueStatusInFlight
	return q.repo.Update(ctx, item)
}

// Release returns an in-flight item to pending without counting an attempt.
func (q *Queue) Release(ctx context.Context, item *models.QueueItem) error {
	item.Status = models.QueueStatusPending
	return q.repo.Update(ctx, item)
}

// MarkCommitted removes a committed item.
func (q *Queue) MarkCommitted(ctx context.Context, id int64) error {
	return q.repo.Delete(ctx, id)
}

// MarkFailed records a failed attempt and schedules the next one. Once the
// retry budget is spent the item is removed and a *TerminalError is returned.
func (q *Queue) MarkFailed(ctx context.Context, item *models.QueueItem, cause error) error {
	item.Attempts++
	item.LastError = cause.Error()

	if item.Attempts >= q.policy.MaxAttempts {
		if err := q.repo.Delete(ctx, item.ID); err != nil {
			return err
		}
		q.log.Warn(ctx, "queue item dropped", "user_id", item.UserID, "id", item.ID, "attempts", item.Attempts, "error", cause)
		return &TerminalError{Item: *item, Err: cause}
	}

	delay := q.policy.Delay(item.Attempts)
	item.Status = models.QueueStatusFailed
	item.NextAttemptAt = q.now().Add(delay)
	if err := q.repo.Update(ctx, item); err != nil {
		return err
	}
	q.log.Debug(ctx, "queue item failed", "user_id", item.UserID, "id", item.ID, "attempts", item.Attempts, "retry_in", delay)
	return nil
}

// Drop removes an item that cannot succeed and reports it as terminal.
func (q *Queue) Drop(ctx context.Context, item *models.QueueItem, cause error) error {
	if err := q.repo.Delete(ctx, item.ID); err != nil {
		return err
	}
	item.LastError = cause.Error()
	return &TerminalError{Item: *item, Err: cause}
}

// MarkConflicted parks item until the conflict it is linked to is resolved.
func (q *Queue) MarkConflicted(ctx context.Context, item *models.QueueItem, conflictID string) error {
	item.Status = models.QueueStatusConflicted
	item.ConflictID = conflictID
	return q.repo.Update(ctx, item)
}

// Rebase stores a patch rewritten onto a newer base version. The item keeps
// its place in the queue and becomes eligible immediately.
func (q *Queue) Rebase(ctx context.Context, item *models.QueueItem) error {
	item.Status = models.QueueStatusPending
	item.NextAttemptAt = time.Time{}
	return q.repo.Update(ctx, item)
}

func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.repo.Delete(ctx, id)
}

// RemoveByConflict deletes the items parked on conflictID.
func (q *Queue) RemoveByConflict(ctx context.Context, conflictID string) (int64, error) {
	return q.repo.DeleteByConflict(ctx, conflictID)
}

// Pending lists userID's items, parked ones included, in queue order.
func (q *Queue) Pending(ctx context.Context, userID string) ([]models.QueueItem, error) {
	return q.repo.ListByUser(ctx, userID)
}

// RecoverInFlight returns items left in-flight by a crashed process to
// pending. Their writes may or may not have committed; a resend is detected
// as converged by the conflict path.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info(ctx, "recovered in-flight queue items", "count", n)
	}
	return n, nil
}
