package anamnesis

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

// AggregateStore holds the current projection and its version counter.
type AggregateStore interface {
	GetCurrent(ctx context.Context, id uuid.UUID) (*Aggregate, error)
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Aggregate, error)
	// Insert stores a new aggregate at version 1. A second aggregate for the
	// same patient fails with ErrAlreadyExists.
	Insert(ctx context.Context, a *Aggregate) error
	// Commit replaces the state if the stored version still equals expected
	// and returns the incremented version. Otherwise it fails with
	// ErrVersionConflict, or ErrNotFound when the aggregate is absent.
	Commit(ctx context.Context, id uuid.UUID, expected int, next RecordState, deletedAt *time.Time) (int, error)
}

// SnapshotStore is append-only.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s *VersionSnapshot) error
	GetSnapshot(ctx context.Context, aggregateID, id uuid.UUID) (*VersionSnapshot, error)
	GetSnapshotByNumber(ctx context.Context, aggregateID uuid.UUID, version int) (*VersionSnapshot, error)
	ListSnapshots(ctx context.Context, aggregateID uuid.UUID, q VersionQuery) ([]*VersionSnapshot, int, error)
	AllSnapshots(ctx context.Context, aggregateID uuid.UUID) ([]*VersionSnapshot, error)
}

// AuditLogStore is append-only. InsertEntry persists the entry's FieldDiffs
// and Contexts with it.
type AuditLogStore interface {
	InsertEntry(ctx context.Context, e *AuditLogEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*AuditLogEntry, error)
	ListEntries(ctx context.Context, aggregateID uuid.UUID, q AuditQuery) ([]*AuditLogEntry, int, error)
	// ListByContext reads the (contextType, contextId) index built at write
	// time, newest first.
	ListByContext(ctx context.Context, ref ContextRef, limit int) ([]*AuditLogEntry, error)
}

type PendingReviewStore interface {
	Enqueue(ctx context.Context, r *PendingReview) error
	ListPending(ctx context.Context, aggregateID uuid.UUID) ([]*PendingReview, error)
}

// TrailStore persists the cross-entity audit trail fed by the side channel.
// AppendTrail is idempotent on the event id.
type TrailStore interface {
	AppendTrail(ctx context.Context, e sidechannel.Event) error
	ListTrail(ctx context.Context, ref ContextRef, limit int) ([]sidechannel.Event, error)
}

// TxManager runs fn atomically. Stores called with the ctx passed to fn take
// part in the transaction.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is everything the service needs from a storage driver.
type Store interface {
	AggregateStore
	SnapshotStore
	AuditLogStore
	PendingReviewStore
	TrailStore
	TxManager
}

// VersionQuery filters ListSnapshots. Results are newest first.
type VersionQuery struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// AuditQuery filters ListEntries. Results are newest first.
type AuditQuery struct {
	Action   *Action
	Severity *Severity
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}
