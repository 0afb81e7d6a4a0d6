package anamnesis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/auth"
)

// CreateInput is a new clinical record. ConsultationID and AppointmentID
// attribute the change and become audit contexts.
type CreateInput struct {
	PatientID      uuid.UUID   `json:"patientId"`
	State          RecordState `json:"state"`
	ConsultationID *uuid.UUID  `json:"consultationId,omitempty"`
	AppointmentID  string      `json:"appointmentId,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// UpdateInput replaces the record state. ExpectedVersion 0 means "whatever
// is current"; any other value must equal the stored version.
type UpdateInput struct {
	ExpectedVersion int         `json:"expectedVersion,omitempty"`
	State           RecordState `json:"state"`
	ConsultationID  *uuid.UUID  `json:"consultationId,omitempty"`
	AppointmentID   string      `json:"appointmentId,omitempty"`
	Reason          string      `json:"reason,omitempty"`
}

type DeleteInput struct {
	ExpectedVersion int    `json:"expectedVersion,omitempty"`
	Reason          string `json:"reason"`
}

// mutation is one accepted change to an existing aggregate.
type mutation struct {
	action         Action
	expected       int
	next           RecordState
	deleted        bool
	reason         string
	consultationID *uuid.UUID
	appointmentID  string
	restoredFrom   *VersionSnapshot
}

func (m mutation) contexts() []ContextRef {
	var refs []ContextRef
	if m.consultationID != nil {
		refs = append(refs, ContextRef{Type: ContextConsultation, ID: m.consultationID.String()})
	}
	if m.appointmentID != "" {
		refs = append(refs, ContextRef{Type: ContextAppointment, ID: m.appointmentID})
	}
	return refs
}

// outcome is what a committed mutation hands to post-commit work.
type outcome struct {
	aggregate *Aggregate
	entry     *AuditLogEntry
	reviews   int
}

func (s *Service) CreateRecord(ctx context.Context, in CreateInput) (*Aggregate, error) {
	actor, err := s.authorize(ctx, auth.CanEditRecord)
	if err != nil {
		return nil, err
	}
	if in.PatientID == uuid.Nil {
		return nil, validation("patientId is required")
	}
	if err := ValidateState(in.State); err != nil {
		return nil, err
	}
	reason, err := validateReason(in.Reason, false)
	if err != nil {
		return nil, err
	}

	start := s.now()
	next := NormalizeState(in.State)
	m := mutation{action: ActionCreate, next: next, reason: reason,
		consultationID: in.ConsultationID, appointmentID: in.AppointmentID}

	var out outcome
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		now := s.now()
		agg := &Aggregate{
			ID:                   uuid.New(),
			PatientID:            in.PatientID,
			State:                next,
			CurrentVersionNumber: 1,
			SchemaVersion:        SchemaVersion,
			CreatedBy:            actor.ID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.store.Insert(ctx, agg); err != nil {
			return err
		}
		res := Compute(RecordState{}, next)
		entry, reviews, err := s.record(ctx, actor, agg, nil, res, m)
		if err != nil {
			return err
		}
		out = outcome{aggregate: agg, entry: entry, reviews: reviews}
		return nil
	})
	if err != nil {
		return nil, internal("create clinical record", err)
	}

	s.afterCommit(ctx, actor, out, start)
	return out.aggregate, nil
}

func (s *Service) UpdateRecord(ctx context.Context, id uuid.UUID, in UpdateInput) (*Aggregate, error) {
	actor, err := s.authorize(ctx, auth.CanEditRecord)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion < 0 {
		return nil, validation("expectedVersion must not be negative")
	}
	if err := ValidateState(in.State); err != nil {
		return nil, err
	}
	reason, err := validateReason(in.Reason, false)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, actor, id, mutation{
		action:         ActionUpdate,
		expected:       in.ExpectedVersion,
		next:           NormalizeState(in.State),
		reason:         reason,
		consultationID: in.ConsultationID,
		appointmentID:  in.AppointmentID,
	})
}

// DeleteRecord commits an empty version and marks the record deleted. The
// history stays intact and the record can be restored.
func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID, in DeleteInput) (*Aggregate, error) {
	actor, err := s.authorize(ctx, auth.CanEditRecord)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion < 0 {
		return nil, validation("expectedVersion must not be negative")
	}
	reason, err := validateReason(in.Reason, true)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, actor, id, mutation{
		action:   ActionDelete,
		expected: in.ExpectedVersion,
		deleted:  true,
		reason:   reason,
	})
}

// mutate runs the shared write path for UPDATE, DELETE and RESTORE: read the
// current version, diff, compare-and-swap, then snapshot, audit entry and
// pending reviews, all in one transaction.
func (s *Service) mutate(ctx context.Context, actor Actor, id uuid.UUID, m mutation) (*Aggregate, error) {
	start := s.now()

	var (
		out  outcome
		noop bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.store.GetCurrent(ctx, id)
		if err != nil {
			return err
		}
		if cur.IsDeleted() && m.action != ActionRestore {
			return notFound("clinical record")
		}
		if m.expected != 0 && m.expected != cur.CurrentVersionNumber {
			return versionConflict(m.expected, cur.CurrentVersionNumber)
		}

		res := Compute(cur.State, m.next)
		if len(res.Diffs) == 0 && m.action == ActionUpdate {
			out.aggregate, noop = cur, true
			return nil
		}

		var deletedAt *time.Time
		if m.deleted {
			t := s.now()
			deletedAt = &t
		}
		version, err := s.store.Commit(ctx, id, cur.CurrentVersionNumber, m.next, deletedAt)
		if err != nil {
			return err
		}

		prev := cur.CurrentVersionNumber
		next := *cur
		next.State = m.next
		next.CurrentVersionNumber = version
		next.SchemaVersion = SchemaVersion
		next.UpdatedAt = s.now()
		next.DeletedAt = deletedAt

		entry, reviews, err := s.record(ctx, actor, &next, &prev, res, m)
		if err != nil {
			return err
		}
		out = outcome{aggregate: &next, entry: entry, reviews: reviews}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.IncrementConflict(string(m.action))
		}
		return nil, internal(string(m.action)+" clinical record", err)
	}
	if noop {
		return out.aggregate, nil
	}

	s.afterCommit(ctx, actor, out, start)
	return out.aggregate, nil
}

// record writes the snapshot, the audit entry and the pending reviews of a
// committed version. It must run inside the commit's transaction.
func (s *Service) record(ctx context.Context, actor Actor, agg *Aggregate, prev *int, res DiffResult, m mutation) (*AuditLogEntry, int, error) {
	version := agg.CurrentVersionNumber
	snap := &VersionSnapshot{
		ID:             uuid.New(),
		AggregateID:    agg.ID,
		VersionNumber:  version,
		State:          agg.State,
		SchemaVersion:  SchemaVersion,
		Deleted:        agg.IsDeleted(),
		ConsultationID: m.consultationID,
		CreatedBy:      actor.ID,
		CreatedAt:      s.now(),
		Reason:         m.reason,
		ChangeSummary:  res.Summary.String(),
		IntegrityHash:  res.IntegrityHash,
		Technical:      technicalFrom(actor.Technical),
	}
	if m.restoredFrom != nil {
		id, n := m.restoredFrom.ID, m.restoredFrom.VersionNumber
		snap.RestoredFromVersionID = &id
		snap.RestoredFromVersionNumber = &n
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, 0, err
	}

	entry, err := s.writer.Write(ctx, WriteInput{
		Actor:           actor,
		AggregateID:     agg.ID,
		PatientID:       agg.PatientID,
		Action:          m.action,
		PreviousVersion: prev,
		NewVersion:      intPtr(version),
		Diffs:           res.Diffs,
		IntegrityHash:   res.IntegrityHash,
		Reason:          m.reason,
		Contexts:        m.contexts(),
	})
	if err != nil {
		return nil, 0, err
	}

	reviews, err := s.reviews.EnqueueCritical(ctx, entry)
	if err != nil {
		return nil, 0, err
	}
	return entry, reviews, nil
}

func (s *Service) afterCommit(ctx context.Context, actor Actor, out outcome, start time.Time) {
	action := string(out.entry.Action)
	s.metrics.IncrementCommit(action)
	s.metrics.ObserveWrite(action, s.now().Sub(start))
	s.metrics.AddPendingReviews(out.reviews)

	s.log(ctx).Info().
		Str("aggregate_id", out.aggregate.ID.String()).
		Str("action", action).
		Int("version", out.aggregate.CurrentVersionNumber).
		Str("severity", string(out.entry.Severity)).
		Int("pending_reviews", out.reviews).
		Msg("clinical record committed")

	s.publish(ctx, trailEvent(actor, out.entry))
}
