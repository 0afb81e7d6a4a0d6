package anamnesis

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

// ListContextualAudit merges the record's own entries indexed under ref with
// trail entries other entities (appointments, odontograms) recorded against
// the same subject. The trail is best-effort: if it cannot be read the core
// entries are still returned.
func (s *Service) ListContextualAudit(ctx context.Context, ref ContextRef, limit int) ([]*AuditLogEntry, error) {
	actor, err := s.authorize(ctx, auth.CanViewContextualLog)
	if err != nil {
		return nil, err
	}
	switch ref.Type {
	case ContextPatient, ContextAppointment, ContextConsultation:
	default:
		return nil, validation("unsupported context type %q", ref.Type)
	}
	ref.ID = strings.TrimSpace(ref.ID)
	if ref.ID == "" {
		return nil, validation("context id is required")
	}
	if limit <= 0 || limit > contextualLimit {
		limit = contextualLimit
	}

	var (
		core  []*AuditLogEntry
		trail []sidechannel.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		core, err = s.store.ListByContext(gctx, ref, limit)
		return err
	})
	g.Go(func() error {
		events, err := s.store.ListTrail(gctx, ref, limit)
		if err != nil {
			s.log(ctx).Warn().Err(err).
				Str("context_type", string(ref.Type)).
				Str("context_id", ref.ID).
				Msg("contextual audit: trail unavailable, returning core entries only")
			return nil
		}
		trail = events
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, internal("list contextual audit", err)
	}

	merged := make([]*AuditLogEntry, 0, len(core)+len(trail))
	merged = append(merged, core...)
	for _, e := range trail {
		// The record's own entries come from the index above.
		if e.EntityType == EntityType {
			continue
		}
		merged = append(merged, entryFromTrail(e))
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].PerformedAt.After(merged[j].PerformedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return Project(merged, actor.Role, &ref), nil
}

func entryFromTrail(e sidechannel.Event) *AuditLogEntry {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trail:"+e.ID))
	}
	refs := make([]ContextRef, len(e.Contexts))
	for i, c := range e.Contexts {
		refs[i] = ContextRef{Type: ContextType(c.Type), ID: c.ID}
	}
	return &AuditLogEntry{
		ID:          id,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Action:      Action(e.Action),
		Severity:    Severity(e.Severity),
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
		ActorRole:   e.ActorRole,
		PerformedAt: e.OccurredAt,
		Summary:     e.Summary,
		Contexts:    refs,
		Technical:   technicalFrom(e.Technical),
	}
}

// TrailInput is an audit event reported by another in-house entity.
type TrailInput struct {
	ID         string            `json:"id,omitempty"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Action     string            `json:"action"`
	Severity   string            `json:"severity,omitempty"`
	ActorID    string            `json:"actorId,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Contexts   []ContextRef      `json:"contexts"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt *time.Time        `json:"occurredAt,omitempty"`
}

// RecordTrailEvent accepts an event for the general audit trail and hands it
// to the side channel. Without a publisher the event is stored directly.
func (s *Service) RecordTrailEvent(ctx context.Context, in TrailInput) (*sidechannel.Event, error) {
	actor, err := s.authorize(ctx, auth.CanIngestTrail)
	if err != nil {
		return nil, err
	}
	event, err := s.buildTrailEvent(actor, in)
	if err != nil {
		return nil, err
	}

	if s.publisher == nil {
		if err := s.store.AppendTrail(ctx, event); err != nil {
			return nil, internal("append trail event", err)
		}
		return &event, nil
	}
	if err := s.publisher.Publish(event); err != nil {
		return nil, internal("publish trail event", err)
	}
	return &event, nil
}

func (s *Service) buildTrailEvent(actor Actor, in TrailInput) (sidechannel.Event, error) {
	entity := strings.TrimSpace(in.EntityType)
	switch {
	case entity == "":
		return sidechannel.Event{}, validation("entityType is required")
	case entity == EntityType:
		return sidechannel.Event{}, validation("%s entries are written by the record service", EntityType)
	case strings.TrimSpace(in.EntityID) == "":
		return sidechannel.Event{}, validation("entityId is required")
	case strings.TrimSpace(in.Action) == "":
		return sidechannel.Event{}, validation("action is required")
	case len(in.Contexts) == 0:
		return sidechannel.Event{}, validation("at least one context is required")
	}

	severity := SeverityLow
	if in.Severity != "" {
		sev, ok := ParseSeverity(in.Severity)
		if !ok {
			return sidechannel.Event{}, validation("unknown severity %q", in.Severity)
		}
		severity = sev
	}

	refs := make([]sidechannel.ContextRef, 0, len(in.Contexts))
	for _, c := range in.Contexts {
		t, ok := ParseContextType(string(c.Type))
		if !ok || strings.TrimSpace(c.ID) == "" {
			return sidechannel.Event{}, validation("invalid context %s:%s", c.Type, c.ID)
		}
		refs = append(refs, sidechannel.ContextRef{Type: string(t), ID: strings.TrimSpace(c.ID)})
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	occurred := s.now()
	if in.OccurredAt != nil {
		occurred = in.OccurredAt.UTC()
	}
	actorID := in.ActorID
	if actorID == "" {
		actorID = actor.ID
	}

	return sidechannel.Event{
		ID:         id,
		ClinicID:   actor.ClinicID,
		EntityType: entity,
		EntityID:   strings.TrimSpace(in.EntityID),
		Action:     strings.ToUpper(strings.TrimSpace(in.Action)),
		Severity:   string(severity),
		ActorID:    actorID,
		ActorRole:  string(actor.Role),
		Summary:    in.Summary,
		Contexts:   refs,
		Technical:  actor.Technical,
		Metadata:   in.Metadata,
		OccurredAt: occurred,
	}, nil
}

// TrailSink stores side channel events in the general audit trail.
type TrailSink struct {
	name  string
	store TrailStore
}

func NewTrailSink(name string, store TrailStore) *TrailSink {
	return &TrailSink{name: name, store: store}
}

func (t *TrailSink) Name() string { return t.name }

func (t *TrailSink) Deliver(ctx context.Context, event sidechannel.Event) error {
	return t.store.AppendTrail(ctx, event)
}
