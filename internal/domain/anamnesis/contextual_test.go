package anamnesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

func odontogramEvent(patient uuid.UUID) TrailInput {
	return TrailInput{
		EntityType: "odontogram",
		EntityID:   "odo-1",
		Action:     "update",
		Severity:   "medium",
		Summary:    "tooth 36 marked for extraction",
		Contexts:   []ContextRef{{Type: ContextPatient, ID: patient.String()}},
	}
}

func TestListContextualAudit_MergesTrail(t *testing.T) {
	svc, store := newTestService()
	agg, err := svc.CreateRecord(asRole(auth.RoleDentist), CreateInput{
		PatientID:     uuid.New(),
		State:         RecordState{Fields: Fields{HasPain: boolPtr(true)}},
		AppointmentID: "appt-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	admin := asRole(auth.RoleAdmin)

	if _, err := svc.RecordTrailEvent(admin, odontogramEvent(agg.PatientID)); err != nil {
		t.Fatalf("trail: %v", err)
	}
	if _, err := svc.RecordTrailEvent(admin, odontogramEvent(uuid.New())); err != nil {
		t.Fatalf("trail: %v", err)
	}
	// The record's own mirror on the trail must not appear twice.
	_ = store.AppendTrail(context.Background(), sidechannel.Event{
		ID:         uuid.NewString(),
		EntityType: EntityType,
		EntityID:   agg.ID.String(),
		Action:     string(ActionCreate),
		Contexts:   []sidechannel.ContextRef{{Type: string(ContextPatient), ID: agg.PatientID.String()}},
		OccurredAt: time.Now(),
	})

	patient := ContextRef{Type: ContextPatient, ID: agg.PatientID.String()}
	entries, err := svc.ListContextualAudit(asRole(auth.RoleDentist), patient, 0)
	if err != nil {
		t.Fatalf("contextual: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the create entry and one odontogram event, got %d", len(entries))
	}
	if entries[0].EntityType != "odontogram" || entries[0].Action != "UPDATE" || entries[0].Severity != SeverityMedium {
		t.Errorf("expected the newer odontogram event first, got %+v", entries[0])
	}
	if entries[1].EntityType != EntityType || entries[1].AggregateID != agg.ID {
		t.Errorf("expected the record's create entry second, got %+v", entries[1])
	}

	appt, err := svc.ListContextualAudit(asRole(auth.RoleDentist), ContextRef{Type: ContextAppointment, ID: "appt-1"}, 0)
	if err != nil {
		t.Fatalf("contextual by appointment: %v", err)
	}
	if len(appt) != 1 || appt[0].Action != ActionCreate {
		t.Errorf("expected only the create entry for the appointment, got %+v", appt)
	}

	limited, _ := svc.ListContextualAudit(asRole(auth.RoleDentist), patient, 1)
	if len(limited) != 1 || limited[0].EntityType != "odontogram" {
		t.Errorf("expected the newest entry only, got %+v", limited)
	}
}

func TestListContextualAudit_RedactsTrailEntries(t *testing.T) {
	svc, _ := newTestService()
	patient := uuid.New()
	if _, err := svc.RecordTrailEvent(asRole(auth.RoleAdmin), odontogramEvent(patient)); err != nil {
		t.Fatalf("trail: %v", err)
	}

	entries, err := svc.ListContextualAudit(asRole(auth.RoleReceptionist),
		ContextRef{Type: ContextPatient, ID: patient.String()}, 10)
	if err != nil {
		t.Fatalf("contextual: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].IP != "" || entries[0].UserAgent != "" || !entries[0].Redacted {
		t.Errorf("receptionist saw technical details: %+v", entries[0])
	}
}

func TestListContextualAudit_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := asRole(auth.RoleDentist)

	for _, ref := range []ContextRef{
		{Type: ContextClinicalRecord, ID: uuid.NewString()},
		{Type: "invoice", ID: "1"},
		{Type: ContextPatient, ID: "  "},
	} {
		if _, err := svc.ListContextualAudit(ctx, ref, 10); !errors.Is(err, ErrValidation) {
			t.Errorf("%s:%q: expected ErrValidation, got %v", ref.Type, ref.ID, err)
		}
	}
}

// brokenTrail fails every trail read.
type brokenTrail struct {
	*MemoryStore
}

func (brokenTrail) ListTrail(context.Context, ContextRef, int) ([]sidechannel.Event, error) {
	return nil, errors.New("trail table missing")
}

func TestListContextualAudit_TrailUnavailable(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(brokenTrail{store}, WithClock(newTestClock().Now))
	agg := mustCreate(t, svc, RecordState{})

	entries, err := svc.ListContextualAudit(asRole(auth.RoleDentist),
		ContextRef{Type: ContextPatient, ID: agg.PatientID.String()}, 10)
	if err != nil {
		t.Fatalf("expected core entries despite the trail failure, got %v", err)
	}
	if len(entries) != 1 || entries[0].AggregateID != agg.ID {
		t.Errorf("expected the create entry, got %+v", entries)
	}
}

func TestRecordTrailEvent_Validation(t *testing.T) {
	svc, _ := newTestService()
	admin := asRole(auth.RoleAdmin)
	patient := []ContextRef{{Type: ContextPatient, ID: "p-1"}}

	tests := []struct {
		name string
		in   TrailInput
	}{
		{"missing entity", TrailInput{EntityID: "1", Action: "X", Contexts: patient}},
		{"own entity", TrailInput{EntityType: EntityType, EntityID: "1", Action: "X", Contexts: patient}},
		{"missing entity id", TrailInput{EntityType: "odontogram", Action: "X", Contexts: patient}},
		{"missing action", TrailInput{EntityType: "odontogram", EntityID: "1", Contexts: patient}},
		{"no contexts", TrailInput{EntityType: "odontogram", EntityID: "1", Action: "X"}},
		{"bad context type", TrailInput{EntityType: "odontogram", EntityID: "1", Action: "X",
			Contexts: []ContextRef{{Type: "invoice", ID: "1"}}}},
		{"empty context id", TrailInput{EntityType: "odontogram", EntityID: "1", Action: "X",
			Contexts: []ContextRef{{Type: ContextPatient}}}},
		{"bad severity", TrailInput{EntityType: "odontogram", EntityID: "1", Action: "X", Severity: "urgent", Contexts: patient}},
	}
	for _, tt := range tests {
		if _, err := svc.RecordTrailEvent(admin, tt.in); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tt.name, err)
		}
	}
}

func TestRecordTrailEvent_Defaults(t *testing.T) {
	svc, _ := newTestService()
	event, err := svc.RecordTrailEvent(asRole(auth.RoleAdmin), TrailInput{
		EntityType: "appointment",
		EntityID:   "appt-3",
		Action:     " cancel ",
		Contexts:   []ContextRef{{Type: ContextAppointment, ID: "appt-3"}},
	})
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if _, err := uuid.Parse(event.ID); err != nil {
		t.Errorf("expected a generated uuid, got %q", event.ID)
	}
	if event.Action != "CANCEL" || event.Severity != string(SeverityLow) {
		t.Errorf("unexpected normalization %+v", event)
	}
	if event.ActorID != "user-admin" || event.ClinicID != "test" || event.Technical.IP != "10.0.0.7" {
		t.Errorf("expected caller attribution, got %+v", event)
	}
}

func TestRecordTrailEvent_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc, store := newTestService(WithPublisher(pub))
	patient := uuid.New()

	event, err := svc.RecordTrailEvent(asRole(auth.RoleAdmin), odontogramEvent(patient))
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if got := pub.Events(); len(got) != 1 || got[0].ID != event.ID {
		t.Fatalf("expected the event to be published, got %+v", got)
	}
	stored, _ := store.ListTrail(context.Background(), ContextRef{Type: ContextPatient, ID: patient.String()}, 10)
	if len(stored) != 0 {
		t.Error("a published event is stored by the sink, not by the service")
	}

	failing, _ := newTestService(WithPublisher(&recordingPublisher{err: errors.New("queue full")}))
	if _, err := failing.RecordTrailEvent(asRole(auth.RoleAdmin), odontogramEvent(patient)); err == nil {
		t.Error("expected the publish failure to reach the ingesting caller")
	}
}

func TestTrailSink_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	sink := NewTrailSink("memory", store)
	if sink.Name() != "memory" {
		t.Errorf("unexpected sink name %q", sink.Name())
	}

	event := sidechannel.Event{
		ID:         uuid.NewString(),
		EntityType: "odontogram",
		Contexts:   []sidechannel.ContextRef{{Type: "patient", ID: "p-1"}},
		OccurredAt: time.Now(),
	}
	for i := 0; i < 3; i++ {
		if err := sink.Deliver(context.Background(), event); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	got, _ := store.ListTrail(context.Background(), ContextRef{Type: ContextPatient, ID: "p-1"}, 10)
	if len(got) != 1 {
		t.Errorf("expected redelivery to be absorbed, got %d rows", len(got))
	}
}
