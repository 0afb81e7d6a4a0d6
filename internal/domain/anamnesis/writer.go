package anamnesis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

// AuditWriter appends audit log entries. For mutations it must be called with
// the transaction context of the commit it records.
type AuditWriter struct {
	store AuditLogStore
	now   func() time.Time
}

func NewAuditWriter(store AuditLogStore, now func() time.Time) *AuditWriter {
	return &AuditWriter{store: store, now: now}
}

// WriteInput is one audit event. Contexts are recorded in addition to the
// record and its patient, which every entry is linked to.
type WriteInput struct {
	Actor           Actor
	AggregateID     uuid.UUID
	PatientID       uuid.UUID
	Action          Action
	PreviousVersion *int
	NewVersion      *int
	Diffs           []FieldDiff
	IntegrityHash   string
	Reason          string
	Contexts        []ContextRef
	Summary         string
}

func (w *AuditWriter) Write(ctx context.Context, in WriteInput) (*AuditLogEntry, error) {
	entry := w.build(in)
	if err := w.store.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *AuditWriter) build(in WriteInput) *AuditLogEntry {
	id := uuid.New()

	diffs := make([]FieldDiff, len(in.Diffs))
	for i, d := range in.Diffs {
		d.ID = uuid.New()
		d.AuditLogEntryID = id
		d.Position = i
		diffs[i] = d
	}

	summary := Summarize(diffs)
	text := in.Summary
	if text == "" {
		text = describe(in.Action, in.PreviousVersion, in.NewVersion, summary)
	}

	return &AuditLogEntry{
		ID:                    id,
		AggregateID:           in.AggregateID,
		PatientID:             in.PatientID,
		EntityType:            EntityType,
		EntityID:              in.AggregateID.String(),
		Action:                in.Action,
		Severity:              Classify(in.Action, diffs),
		ActorID:               in.Actor.ID,
		ActorEmail:            in.Actor.Email,
		ActorRole:             string(in.Actor.Role),
		PerformedAt:           w.now(),
		PreviousVersionNumber: in.PreviousVersion,
		NewVersionNumber:      in.NewVersion,
		ChangesSummary:        summary,
		Summary:               text,
		Reason:                in.Reason,
		FieldDiffs:            diffs,
		Contexts:              entryContexts(in.AggregateID, in.PatientID, in.Contexts),
		IntegrityHash:         in.IntegrityHash,
		Technical:             technicalFrom(in.Actor.Technical),
	}
}

func entryContexts(aggregateID, patientID uuid.UUID, extra []ContextRef) []ContextRef {
	refs := []ContextRef{
		{Type: ContextClinicalRecord, ID: aggregateID.String()},
		{Type: ContextPatient, ID: patientID.String()},
	}
	seen := map[ContextRef]bool{refs[0]: true, refs[1]: true}
	for _, r := range extra {
		if r.ID == "" || seen[r] {
			continue
		}
		seen[r] = true
		refs = append(refs, r)
	}
	return refs
}

func describe(action Action, prev, next *int, s ChangesSummary) string {
	switch {
	case prev == nil && next != nil:
		return fmt.Sprintf("%s version %d: %s", action, *next, s)
	case prev != nil && next != nil:
		return fmt.Sprintf("%s version %d -> %d: %s", action, *prev, *next, s)
	default:
		return string(action) + " clinical record"
	}
}

// trailEvent mirrors an entry onto the general audit trail.
func trailEvent(actor Actor, e *AuditLogEntry) sidechannel.Event {
	refs := make([]sidechannel.ContextRef, len(e.Contexts))
	for i, c := range e.Contexts {
		refs[i] = sidechannel.ContextRef{Type: string(c.Type), ID: c.ID}
	}
	meta := map[string]string{"aggregate_id": e.AggregateID.String()}
	if e.NewVersionNumber != nil {
		meta["version"] = fmt.Sprint(*e.NewVersionNumber)
	}
	return sidechannel.Event{
		ID:         e.ID.String(),
		ClinicID:   actor.ClinicID,
		EntityType: EntityType,
		EntityID:   e.EntityID,
		Action:     string(e.Action),
		Severity:   string(e.Severity),
		ActorID:    e.ActorID,
		ActorEmail: e.ActorEmail,
		ActorRole:  e.ActorRole,
		Summary:    e.Summary,
		Contexts:   refs,
		Technical:  actor.Technical,
		Metadata:   meta,
		OccurredAt: e.PerformedAt,
	}
}

func intPtr(n int) *int { return &n }
