package anamnesis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReviewQueue records critical field changes for secondary sign-off. It only
// adds rows; resolving them belongs to a separate workflow.
type ReviewQueue struct {
	store PendingReviewStore
	now   func() time.Time
}

func NewReviewQueue(store PendingReviewStore, now func() time.Time) *ReviewQueue {
	return &ReviewQueue{store: store, now: now}
}

// Enqueue stores one pending review for diff d of entry. The row copies the
// before and after values so a reviewer never needs the version history.
func (q *ReviewQueue) Enqueue(ctx context.Context, entry *AuditLogEntry, d FieldDiff) (*PendingReview, error) {
	version := 0
	if entry.NewVersionNumber != nil {
		version = *entry.NewVersionNumber
	}
	r := &PendingReview{
		ID:              uuid.New(),
		AggregateID:     entry.AggregateID,
		AuditLogEntryID: entry.ID,
		Action:          entry.Action,
		VersionNumber:   version,
		FieldPath:       d.FieldPath,
		FieldLabel:      d.FieldLabel,
		OldValue:        d.OldValue,
		NewValue:        d.NewValue,
		OldValueDisplay: d.OldValueDisplay,
		NewValueDisplay: d.NewValueDisplay,
		Reason:          entry.Reason,
		Severity:        SeverityCritical,
		Status:          ReviewPending,
		CreatedBy:       entry.ActorID,
		CreatedAt:       q.now(),
	}
	if err := q.store.Enqueue(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// EnqueueCritical enqueues every critical diff of entry and returns how many
// rows were written.
func (q *ReviewQueue) EnqueueCritical(ctx context.Context, entry *AuditLogEntry) (int, error) {
	n := 0
	for _, d := range entry.FieldDiffs {
		if !d.IsCritical {
			continue
		}
		if _, err := q.Enqueue(ctx, entry, d); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *ReviewQueue) ListPending(ctx context.Context, aggregateID uuid.UUID) ([]*PendingReview, error) {
	return q.store.ListPending(ctx, aggregateID)
}
