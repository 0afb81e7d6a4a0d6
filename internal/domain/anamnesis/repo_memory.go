package anamnesis

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

// MemoryStore is the in-process storage driver used in development and tests.
// A transaction holds the store lock for its whole duration and is undone
// from a journal on error.
type MemoryStore struct {
	mu sync.Mutex

	aggregates map[uuid.UUID]*Aggregate
	byPatient  map[uuid.UUID]uuid.UUID
	snapshots  map[uuid.UUID][]*VersionSnapshot
	entries    map[uuid.UUID]*AuditLogEntry
	byContext  map[ContextRef][]uuid.UUID
	reviews    map[uuid.UUID][]*PendingReview
	trail      map[string]sidechannel.Event
	trailOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[uuid.UUID]*Aggregate),
		byPatient:  make(map[uuid.UUID]uuid.UUID),
		snapshots:  make(map[uuid.UUID][]*VersionSnapshot),
		entries:    make(map[uuid.UUID]*AuditLogEntry),
		byContext:  make(map[ContextRef][]uuid.UUID),
		reviews:    make(map[uuid.UUID][]*PendingReview),
		trail:      make(map[string]sidechannel.Event),
	}
}

type memTxKey struct{}

type memTx struct {
	undo []func()
}

func (tx *memTx) onRollback(f func()) {
	if tx != nil {
		tx.undo = append(tx.undo, f)
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// lock acquires the store lock unless ctx already belongs to a transaction.
func (s *MemoryStore) lock(ctx context.Context) (*memTx, func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return tx, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

// Ping satisfies the health check contract.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetCurrent(ctx context.Context, id uuid.UUID) (*Aggregate, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	a, ok := s.aggregates[id]
	if !ok {
		return nil, notFound("clinical record")
	}
	return cloneAggregate(a), nil
}

func (s *MemoryStore) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Aggregate, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	id, ok := s.byPatient[patientID]
	if !ok {
		return nil, notFound("clinical record")
	}
	return cloneAggregate(s.aggregates[id]), nil
}

func (s *MemoryStore) Insert(ctx context.Context, a *Aggregate) error {
	tx, unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.byPatient[a.PatientID]; ok {
		return alreadyExists("patient already has a clinical record")
	}
	if _, ok := s.aggregates[a.ID]; ok {
		return alreadyExists("clinical record already exists")
	}

	s.aggregates[a.ID] = cloneAggregate(a)
	s.byPatient[a.PatientID] = a.ID
	tx.onRollback(func() {
		delete(s.aggregates, a.ID)
		delete(s.byPatient, a.PatientID)
	})
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, id uuid.UUID, expected int, next RecordState, deletedAt *time.Time) (int, error) {
	tx, unlock := s.lock(ctx)
	defer unlock()

	a, ok := s.aggregates[id]
	if !ok {
		return 0, notFound("clinical record")
	}
	if a.CurrentVersionNumber != expected {
		return 0, versionConflict(expected, a.CurrentVersionNumber)
	}

	prev := cloneAggregate(a)
	a.State = cloneState(next)
	a.CurrentVersionNumber++
	a.SchemaVersion = SchemaVersion
	a.DeletedAt = deletedAt
	a.UpdatedAt = time.Now().UTC()
	tx.onRollback(func() { s.aggregates[id] = prev })

	return a.CurrentVersionNumber, nil
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *VersionSnapshot) error {
	tx, unlock := s.lock(ctx)
	defer unlock()

	for _, existing := range s.snapshots[snap.AggregateID] {
		if existing.VersionNumber == snap.VersionNumber {
			return versionConflict(snap.VersionNumber-1, existing.VersionNumber)
		}
	}

	before := s.snapshots[snap.AggregateID]
	s.snapshots[snap.AggregateID] = append(append([]*VersionSnapshot(nil), before...), cloneSnapshot(snap))
	tx.onRollback(func() { s.snapshots[snap.AggregateID] = before })
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, aggregateID, id uuid.UUID) (*VersionSnapshot, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	for _, snap := range s.snapshots[aggregateID] {
		if snap.ID == id {
			return cloneSnapshot(snap), nil
		}
	}
	return nil, notFound("version")
}

func (s *MemoryStore) GetSnapshotByNumber(ctx context.Context, aggregateID uuid.UUID, version int) (*VersionSnapshot, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	for _, snap := range s.snapshots[aggregateID] {
		if snap.VersionNumber == version {
			return cloneSnapshot(snap), nil
		}
	}
	return nil, notFound("version")
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, aggregateID uuid.UUID, q VersionQuery) ([]*VersionSnapshot, int, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	var matched []*VersionSnapshot
	for _, snap := range s.snapshots[aggregateID] {
		if inRange(snap.CreatedAt, q.DateFrom, q.DateTo) {
			matched = append(matched, snap)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].VersionNumber > matched[j].VersionNumber
	})

	start, end := window(len(matched), q.Offset, q.Limit)
	out := make([]*VersionSnapshot, 0, end-start)
	for _, snap := range matched[start:end] {
		out = append(out, cloneSnapshot(snap))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) AllSnapshots(ctx context.Context, aggregateID uuid.UUID) ([]*VersionSnapshot, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	out := make([]*VersionSnapshot, 0, len(s.snapshots[aggregateID]))
	for _, snap := range s.snapshots[aggregateID] {
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (s *MemoryStore) InsertEntry(ctx context.Context, e *AuditLogEntry) error {
	tx, unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.entries[e.ID]; ok {
		return alreadyExists("audit entry already exists")
	}
	s.entries[e.ID] = cloneEntry(e)

	for _, ref := range e.Contexts {
		before := s.byContext[ref]
		s.byContext[ref] = append(append([]uuid.UUID(nil), before...), e.ID)
		ref := ref
		tx.onRollback(func() { s.byContext[ref] = before })
	}
	tx.onRollback(func() { delete(s.entries, e.ID) })
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (*AuditLogEntry, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, notFound("audit log entry")
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, aggregateID uuid.UUID, q AuditQuery) ([]*AuditLogEntry, int, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	var matched []*AuditLogEntry
	for _, e := range s.entries {
		if e.AggregateID != aggregateID {
			continue
		}
		if q.Action != nil && e.Action != *q.Action {
			continue
		}
		if q.Severity != nil && e.Severity != *q.Severity {
			continue
		}
		if !inRange(e.PerformedAt, q.DateFrom, q.DateTo) {
			continue
		}
		matched = append(matched, e)
	}
	sortNewestFirst(matched)

	start, end := window(len(matched), q.Offset, q.Limit)
	out := make([]*AuditLogEntry, 0, end-start)
	for _, e := range matched[start:end] {
		c := cloneEntry(e)
		c.FieldDiffs = nil
		out = append(out, c)
	}
	return out, len(matched), nil
}

func (s *MemoryStore) ListByContext(ctx context.Context, ref ContextRef, limit int) ([]*AuditLogEntry, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	var out []*AuditLogEntry
	for _, id := range s.byContext[ref] {
		if e, ok := s.entries[id]; ok {
			c := cloneEntry(e)
			c.FieldDiffs = nil
			out = append(out, c)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, r *PendingReview) error {
	tx, unlock := s.lock(ctx)
	defer unlock()

	before := s.reviews[r.AggregateID]
	c := *r
	s.reviews[r.AggregateID] = append(append([]*PendingReview(nil), before...), &c)
	tx.onRollback(func() { s.reviews[r.AggregateID] = before })
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, aggregateID uuid.UUID) ([]*PendingReview, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	out := make([]*PendingReview, 0, len(s.reviews[aggregateID]))
	for _, r := range s.reviews[aggregateID] {
		if r.Status != ReviewPending {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendTrail(ctx context.Context, e sidechannel.Event) error {
	_, unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.trail[e.ID]; ok {
		return nil
	}
	s.trail[e.ID] = e
	s.trailOrder = append(s.trailOrder, e.ID)
	return nil
}

func (s *MemoryStore) ListTrail(ctx context.Context, ref ContextRef, limit int) ([]sidechannel.Event, error) {
	_, unlock := s.lock(ctx)
	defer unlock()

	var out []sidechannel.Event
	for _, id := range s.trailOrder {
		e := s.trail[id]
		for _, c := range e.Contexts {
			if c.Type == string(ref.Type) && c.ID == ref.ID {
				out = append(out, e)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func window(n, offset, limit int) (int, int) {
	if offset > n {
		offset = n
	}
	if offset < 0 {
		offset = 0
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

func sortNewestFirst(entries []*AuditLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PerformedAt.Equal(entries[j].PerformedAt) {
			return entries[i].ID.String() > entries[j].ID.String()
		}
		return entries[i].PerformedAt.After(entries[j].PerformedAt)
	})
}

func cloneState(s RecordState) RecordState {
	raw, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out RecordState
	if err := json.Unmarshal(raw, &out); err != nil {
		return s
	}
	return out
}

func cloneAggregate(a *Aggregate) *Aggregate {
	c := *a
	c.State = cloneState(a.State)
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneSnapshot(s *VersionSnapshot) *VersionSnapshot {
	c := *s
	c.State = cloneState(s.State)
	return &c
}

func cloneEntry(e *AuditLogEntry) *AuditLogEntry {
	c := *e
	c.FieldDiffs = append([]FieldDiff(nil), e.FieldDiffs...)
	c.Contexts = append([]ContextRef(nil), e.Contexts...)
	return &c
}
