package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/conflicts"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

// ErrAlreadyResolved is returned when resolving a conflict twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Queue holds conflict records until they are resolved.
type Queue struct {
	repo conflicts.Repository
	now  func() time.Time
}

func NewQueue(repo conflicts.Repository, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{repo: repo, now: now}
}

// WithRepository returns a copy of q that stores through repo.
func (q *Queue) WithRepository(repo conflicts.Repository) *Queue {
	return &Queue{repo: repo, now: q.now}
}

func (q *Queue) Save(ctx context.Context, rec *models.ConflictRecord) error {
	if rec.Resolution == "" {
		rec.Resolution = models.ResolutionUnresolved
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}
	return q.repo.Insert(ctx, rec)
}

func (q *Queue) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return q.repo.Get(ctx, id)
}

func (q *Queue) ListUnresolved(ctx context.Context, userID string) ([]models.ConflictRecord, error) {
	return q.repo.ListUnresolved(ctx, userID)
}

// MarkResolved closes an unresolved record.
func (q *Queue) MarkResolved(ctx context.Context, id string, resolution models.Resolution) error {
	rec, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Resolution != models.ResolutionUnresolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return q.repo.MarkResolved(ctx, id, resolution, q.now())
}
