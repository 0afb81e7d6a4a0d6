package anamnesis

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/auth"
)

// GetRecord returns the current projection, including deleted records so
// they can be restored. Read access is audited by the HTTP layer.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Aggregate, error) {
	if _, err := s.authorize(ctx, auth.CanViewRecord); err != nil {
		return nil, err
	}
	a, err := s.store.GetCurrent(ctx, id)
	if err != nil {
		return nil, internal("get clinical record", err)
	}
	return a, nil
}

func (s *Service) GetRecordByPatient(ctx context.Context, patientID uuid.UUID) (*Aggregate, error) {
	if _, err := s.authorize(ctx, auth.CanViewRecord); err != nil {
		return nil, err
	}
	a, err := s.store.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, internal("get clinical record by patient", err)
	}
	return a, nil
}

// GetConsultationContext reports whether a visit is the patient's first. Any
// existing record, deleted or restored to an empty state, makes it a
// follow-up.
func (s *Service) GetConsultationContext(ctx context.Context, patientID uuid.UUID) (*ConsultationContext, error) {
	if _, err := s.authorize(ctx, auth.CanViewRecord); err != nil {
		return nil, err
	}
	out := &ConsultationContext{PatientID: patientID}
	a, err := s.store.GetByPatient(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
		out.FirstVisit = true
	case err != nil:
		return nil, internal("get consultation context", err)
	default:
		id := a.ID
		out.AggregateID = &id
	}
	return out, nil
}

// ListVersions returns version summaries newest first.
func (s *Service) ListVersions(ctx context.Context, id uuid.UUID, q VersionQuery) ([]VersionSummary, int, error) {
	if _, err := s.authorize(ctx, auth.CanViewAudit); err != nil {
		return nil, 0, err
	}
	if err := validateWindow(q.Limit, q.Offset, q.DateFrom, q.DateTo); err != nil {
		return nil, 0, err
	}
	if _, err := s.store.GetCurrent(ctx, id); err != nil {
		return nil, 0, internal("list versions", err)
	}

	snaps, total, err := s.store.ListSnapshots(ctx, id, q)
	if err != nil {
		return nil, 0, internal("list versions", err)
	}
	out := make([]VersionSummary, len(snaps))
	for i, snap := range snaps {
		out[i] = snap.Summary()
	}
	return out, total, nil
}

// GetVersion returns one full snapshot, redacted for the caller's role.
// versionRef is a snapshot id or a version number.
func (s *Service) GetVersion(ctx context.Context, id uuid.UUID, versionRef string) (*VersionSnapshot, error) {
	actor, err := s.authorize(ctx, auth.CanViewAudit)
	if err != nil {
		return nil, err
	}
	snap, err := s.resolveVersion(ctx, id, versionRef)
	if err != nil {
		return nil, internal("get version", err)
	}
	return RedactSnapshot(snap, actor.Role), nil
}

// CompareVersions diffs two historical versions of the same record.
func (s *Service) CompareVersions(ctx context.Context, id uuid.UUID, fromRef, toRef string) ([]FieldDiff, error) {
	if _, err := s.authorize(ctx, auth.CanViewAudit); err != nil {
		return nil, err
	}
	from, err := s.resolveVersion(ctx, id, fromRef)
	if err != nil {
		return nil, internal("compare versions", err)
	}
	to, err := s.resolveVersion(ctx, id, toRef)
	if err != nil {
		return nil, internal("compare versions", err)
	}
	return Diff(from.State, to.State), nil
}

// VerifyVersion recomputes a snapshot's integrity hash. A mismatch returns
// the verification together with ErrIntegrityViolation; the snapshot is left
// as stored.
func (s *Service) VerifyVersion(ctx context.Context, id uuid.UUID, versionRef string) (*Verification, error) {
	if _, err := s.authorize(ctx, auth.CanViewTechnicalDetails); err != nil {
		return nil, err
	}
	snap, err := s.resolveVersion(ctx, id, versionRef)
	if err != nil {
		return nil, internal("verify version", err)
	}
	v := verify(snap)
	if !v.Valid {
		s.reportViolation(ctx, id, v)
		return &v, integrityViolation(v.VersionNumber)
	}
	return &v, nil
}

// VerifyAggregate checks every snapshot of a record, oldest first. All
// snapshots are checked even after a failure; the error names the first
// failing version.
func (s *Service) VerifyAggregate(ctx context.Context, id uuid.UUID) ([]Verification, error) {
	if _, err := s.authorize(ctx, auth.CanViewTechnicalDetails); err != nil {
		return nil, err
	}
	snaps, err := s.store.AllSnapshots(ctx, id)
	if err != nil {
		return nil, internal("verify record", err)
	}
	if len(snaps) == 0 {
		return nil, notFound("clinical record")
	}

	var (
		out      = make([]Verification, 0, len(snaps))
		firstBad error
	)
	for _, snap := range snaps {
		v := verify(snap)
		if !v.Valid {
			s.reportViolation(ctx, id, v)
			if firstBad == nil {
				firstBad = integrityViolation(v.VersionNumber)
			}
		}
		out = append(out, v)
	}
	return out, firstBad
}

func verify(snap *VersionSnapshot) Verification {
	computed := IntegrityHash(snap.State)
	return Verification{
		VersionNumber: snap.VersionNumber,
		StoredHash:    snap.IntegrityHash,
		ComputedHash:  computed,
		Valid:         computed == snap.IntegrityHash,
	}
}

func (s *Service) reportViolation(ctx context.Context, id uuid.UUID, v Verification) {
	s.metrics.IncrementIntegrityViolation()
	s.log(ctx).Error().
		Str("aggregate_id", id.String()).
		Int("version", v.VersionNumber).
		Str("stored_hash", v.StoredHash).
		Str("computed_hash", v.ComputedHash).
		Msg("integrity violation")
}

// ListAuditLogs returns one page of the record's audit entries, redacted for
// the caller's role. Field diffs are only returned by GetAuditLogDetail.
func (s *Service) ListAuditLogs(ctx context.Context, id uuid.UUID, q AuditQuery) ([]*AuditLogEntry, int, error) {
	actor, err := s.authorize(ctx, auth.CanViewAudit)
	if err != nil {
		return nil, 0, err
	}
	if err := validateWindow(q.Limit, q.Offset, q.DateFrom, q.DateTo); err != nil {
		return nil, 0, err
	}
	if _, err := s.store.GetCurrent(ctx, id); err != nil {
		return nil, 0, internal("list audit logs", err)
	}

	entries, total, err := s.store.ListEntries(ctx, id, q)
	if err != nil {
		return nil, 0, internal("list audit logs", err)
	}
	scope := ContextRef{Type: ContextClinicalRecord, ID: id.String()}
	return Project(entries, actor.Role, &scope), total, nil
}

// GetAuditLogDetail returns an entry with its field diffs. An entry of another
// record is reported as missing.
func (s *Service) GetAuditLogDetail(ctx context.Context, id, entryID uuid.UUID) (*AuditLogEntry, error) {
	actor, err := s.authorize(ctx, auth.CanViewAudit)
	if err != nil {
		return nil, err
	}
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, internal("get audit log entry", err)
	}
	if e.AggregateID != id {
		return nil, notFound("audit log entry")
	}
	return RedactEntry(e, actor.Role), nil
}

func (s *Service) ListPendingReviews(ctx context.Context, id uuid.UUID) ([]*PendingReview, error) {
	if _, err := s.authorize(ctx, auth.CanViewPendingReviews); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCurrent(ctx, id); err != nil {
		return nil, internal("list pending reviews", err)
	}
	out, err := s.reviews.ListPending(ctx, id)
	if err != nil {
		return nil, internal("list pending reviews", err)
	}
	return out, nil
}
