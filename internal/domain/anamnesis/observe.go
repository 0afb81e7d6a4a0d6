package anamnesis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/db"
	"github.com/ehr/anamnesis/internal/platform/middleware"
)

// observe records a VIEW, EXPORT or PRINT outside any transaction. Failures
// are logged and counted but never returned.
func (s *Service) observe(ctx context.Context, actor Actor, agg *Aggregate, action Action, summary string) {
	entry, err := s.writer.Write(ctx, WriteInput{
		Actor:       actor,
		AggregateID: agg.ID,
		PatientID:   agg.PatientID,
		Action:      action,
		Summary:     summary,
	})
	if err != nil {
		s.metrics.IncrementObservationalFailure(string(action))
		s.log(ctx).Error().Err(err).
			Str("aggregate_id", agg.ID.String()).
			Str("action", string(action)).
			Str("actor_id", actor.ID).
			Msg("failed to write observational audit entry")
		return
	}
	s.publish(ctx, trailEvent(actor, entry))
}

// RecordAccess writes the VIEW entry for a successful record read. It is the
// recorder behind the read-audit middleware.
func (s *Service) RecordAccess(ctx context.Context, event middleware.AccessEvent) error {
	id, err := uuid.Parse(event.AggregateID)
	if err != nil {
		return validation("invalid clinical record id %q", event.AggregateID)
	}
	agg, err := s.store.GetCurrent(ctx, id)
	if err != nil {
		return internal("record access", err)
	}
	actor := Actor{Caller: event.Caller, Technical: event.Technical, ClinicID: db.ClinicFromContext(ctx)}
	s.observe(ctx, actor, agg, ActionView,
		fmt.Sprintf("VIEW version %d via %s", agg.CurrentVersionNumber, event.Route))
	return nil
}

// ExportRecord returns the record with its full history, redacted for the
// caller's role.
func (s *Service) ExportRecord(ctx context.Context, id uuid.UUID) (*Export, error) {
	actor, err := s.authorize(ctx, auth.CanViewRecord)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetCurrent(ctx, id)
	if err != nil {
		return nil, internal("export clinical record", err)
	}
	snaps, err := s.store.AllSnapshots(ctx, id)
	if err != nil {
		return nil, internal("export clinical record", err)
	}

	out := &Export{
		Aggregate:  agg,
		Versions:   redactSnapshots(snaps, actor.Role),
		ExportedAt: s.now(),
		ExportedBy: actor.ID,
	}
	s.observe(ctx, actor, agg, ActionExport,
		fmt.Sprintf("EXPORT version %d with %d versions", agg.CurrentVersionNumber, len(snaps)))
	return out, nil
}

// PrintRecord renders the current answers as labelled lines in schema order.
// Unanswered questions are printed as not informed.
func (s *Service) PrintRecord(ctx context.Context, id uuid.UUID) (*Printout, error) {
	actor, err := s.authorize(ctx, auth.CanViewRecord)
	if err != nil {
		return nil, err
	}
	agg, err := s.store.GetCurrent(ctx, id)
	if err != nil {
		return nil, internal("print clinical record", err)
	}
	if agg.IsDeleted() {
		return nil, notFound("clinical record")
	}

	flat := flatten(agg.State)
	var lines []PrintLine
	for _, f := range fieldSchema {
		v, ok := flat[f.Path]
		lines = append(lines, PrintLine{Label: f.Label, Value: Display(f, v, ok), Critical: f.Critical})
	}
	for _, path := range payloadPaths(flat, nil) {
		v := flat[path]
		spec := LookupField(path, v)
		lines = append(lines, PrintLine{Label: spec.Label, Value: Display(spec, v, true), Critical: spec.Critical})
	}

	out := &Printout{
		AggregateID:   agg.ID,
		PatientID:     agg.PatientID,
		VersionNumber: agg.CurrentVersionNumber,
		Lines:         lines,
		PrintedAt:     s.now(),
		PrintedBy:     actor.ID,
	}
	s.observe(ctx, actor, agg, ActionPrint, fmt.Sprintf("PRINT version %d", agg.CurrentVersionNumber))
	return out, nil
}
