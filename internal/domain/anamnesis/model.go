package anamnesis

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anamnesis/internal/platform/reqctx"
)

// EntityType identifies clinical record entries in the shared audit trail.
const EntityType = "clinical_record"

type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionView    Action = "VIEW"
	ActionRestore Action = "RESTORE"
	ActionExport  Action = "EXPORT"
	ActionPrint   Action = "PRINT"
)

var actions = map[Action]bool{
	ActionCreate: true, ActionUpdate: true, ActionDelete: true, ActionView: true,
	ActionRestore: true, ActionExport: true, ActionPrint: true,
}

func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(s))
	return a, actions[a]
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToUpper(s))
	switch v {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return v, true
	}
	return "", false
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeRemoved  ChangeType = "REMOVED"
	ChangeModified ChangeType = "MODIFIED"
)

type FieldType string

const (
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldText    FieldType = "text"
	FieldScale   FieldType = "scale"
	FieldNumber  FieldType = "number"
	FieldJSON    FieldType = "json"
)

// Fields holds the structured intake answers. A nil pointer means the
// question was not answered.
type Fields struct {
	HasPain                 *bool   `json:"hasPain,omitempty"`
	PainLevel               *int    `json:"painLevel,omitempty"`
	UnderMedicalTreatment   *bool   `json:"underMedicalTreatment,omitempty"`
	MedicalTreatmentDetails *string `json:"medicalTreatmentDetails,omitempty"`
	TakingMedication        *bool   `json:"takingMedication,omitempty"`
	MedicationDetails       *string `json:"medicationDetails,omitempty"`
	HasAllergies            *bool   `json:"hasAllergies,omitempty"`
	AllergyToAnesthesia     *bool   `json:"allergyToAnesthesia,omitempty"`
	AllergyToPenicillin     *bool   `json:"allergyToPenicillin,omitempty"`
	AllergyDetails          *string `json:"allergyDetails,omitempty"`
	IsPregnant              *bool   `json:"isPregnant,omitempty"`
	PregnancyWeeks          *int    `json:"pregnancyWeeks,omitempty"`
	HasDiabetes             *bool   `json:"hasDiabetes,omitempty"`
	HasHypertension         *bool   `json:"hasHypertension,omitempty"`
	HasHeartDisease         *bool   `json:"hasHeartDisease,omitempty"`
	HasBleedingDisorder     *bool   `json:"hasBleedingDisorder,omitempty"`
	HasInfectiousDisease    *bool   `json:"hasInfectiousDisease,omitempty"`
	SmokingStatus           *string `json:"smokingStatus,omitempty"`
	AlcoholUse              *string `json:"alcoholUse,omitempty"`
	LastDentalVisit         *string `json:"lastDentalVisit,omitempty"`
	BrushingFrequency       *int    `json:"brushingFrequency,omitempty"`
	BleedingGums            *bool   `json:"bleedingGums,omitempty"`
	SensitiveTeeth          *bool   `json:"sensitiveTeeth,omitempty"`
	Bruxism                 *bool   `json:"bruxism,omitempty"`
	ChiefComplaint          *string `json:"chiefComplaint,omitempty"`
	Observations            *string `json:"observations,omitempty"`
}

// RecordState is the versioned content of a clinical record.
type RecordState struct {
	Fields  Fields                 `json:"fields"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// IsEmpty reports whether no question is answered and the payload is empty.
func (s RecordState) IsEmpty() bool {
	return len(flatten(s)) == 0
}

// Aggregate is the current projection of a patient's clinical record.
type Aggregate struct {
	ID                   uuid.UUID   `json:"id"`
	PatientID            uuid.UUID   `json:"patientId"`
	State                RecordState `json:"state"`
	CurrentVersionNumber int         `json:"currentVersionNumber"`
	SchemaVersion        int         `json:"schemaVersion"`
	CreatedBy            string      `json:"createdBy"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
	DeletedAt            *time.Time  `json:"deletedAt,omitempty"`
}

func (a *Aggregate) IsDeleted() bool {
	return a.DeletedAt != nil
}

// ETag returns the weak entity tag of the current version.
func (a *Aggregate) ETag() string {
	return fmt.Sprintf(`W/"%d"`, a.CurrentVersionNumber)
}

// Technical is the request context persisted with versions and audit entries.
type Technical struct {
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	RequestPath string `json:"requestPath,omitempty"`
	Client      string `json:"client,omitempty"`
}

func technicalFrom(t reqctx.Technical) Technical {
	return Technical{
		IP:          t.IP,
		UserAgent:   t.UserAgent,
		SessionID:   t.SessionID,
		RequestPath: t.RequestPath,
		Client:      t.Client.String(),
	}
}

// VersionSnapshot is an immutable copy of the record at one accepted mutation.
type VersionSnapshot struct {
	ID                        uuid.UUID   `json:"id"`
	AggregateID               uuid.UUID   `json:"aggregateId"`
	VersionNumber             int         `json:"versionNumber"`
	State                     RecordState `json:"state"`
	SchemaVersion             int         `json:"schemaVersion"`
	Deleted                   bool        `json:"deleted"`
	ConsultationID            *uuid.UUID  `json:"consultationId,omitempty"`
	CreatedBy                 string      `json:"createdBy"`
	CreatedAt                 time.Time   `json:"createdAt"`
	RestoredFromVersionID     *uuid.UUID  `json:"restoredFromVersionId,omitempty"`
	RestoredFromVersionNumber *int        `json:"restoredFromVersionNumber,omitempty"`
	Reason                    string      `json:"reason,omitempty"`
	ChangeSummary             string      `json:"changeSummary"`
	IntegrityHash             string      `json:"integrityHash,omitempty"`
	Technical
	Redacted bool `json:"redacted,omitempty"`
}

// VersionSummary is the list projection of a snapshot.
type VersionSummary struct {
	ID                        uuid.UUID  `json:"id"`
	VersionNumber             int        `json:"versionNumber"`
	Deleted                   bool       `json:"deleted"`
	ConsultationID            *uuid.UUID `json:"consultationId,omitempty"`
	CreatedBy                 string     `json:"createdBy"`
	CreatedAt                 time.Time  `json:"createdAt"`
	RestoredFromVersionID     *uuid.UUID `json:"restoredFromVersionId,omitempty"`
	RestoredFromVersionNumber *int       `json:"restoredFromVersionNumber,omitempty"`
	Reason                    string     `json:"reason,omitempty"`
	ChangeSummary             string     `json:"changeSummary"`
}

func (s *VersionSnapshot) Summary() VersionSummary {
	return VersionSummary{
		ID:                        s.ID,
		VersionNumber:             s.VersionNumber,
		Deleted:                   s.Deleted,
		ConsultationID:            s.ConsultationID,
		CreatedBy:                 s.CreatedBy,
		CreatedAt:                 s.CreatedAt,
		RestoredFromVersionID:     s.RestoredFromVersionID,
		RestoredFromVersionNumber: s.RestoredFromVersionNumber,
		Reason:                    s.Reason,
		ChangeSummary:             s.ChangeSummary,
	}
}

// ChangesSummary counts the diffs of one entry by change type.
type ChangesSummary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
	Total    int `json:"total"`
	Critical int `json:"critical"`
}

func (c ChangesSummary) String() string {
	if c.Total == 0 {
		return "no field changes"
	}
	s := fmt.Sprintf("%d field(s) changed: %d added, %d removed, %d modified",
		c.Total, c.Added, c.Removed, c.Modified)
	if c.Critical > 0 {
		s += fmt.Sprintf(" (%d critical)", c.Critical)
	}
	return s
}

type FieldDiff struct {
	ID              uuid.UUID   `json:"id"`
	AuditLogEntryID uuid.UUID   `json:"auditLogEntryId"`
	Position        int         `json:"position"`
	FieldPath       string      `json:"fieldPath"`
	FieldLabel      string      `json:"fieldLabel"`
	FieldType       FieldType   `json:"fieldType"`
	OldValue        interface{} `json:"oldValue"`
	NewValue        interface{} `json:"newValue"`
	OldValueDisplay string      `json:"oldValueDisplay"`
	NewValueDisplay string      `json:"newValueDisplay"`
	IsCritical      bool        `json:"isCritical"`
	ChangeType      ChangeType  `json:"changeType"`
}

type ContextType string

const (
	ContextClinicalRecord ContextType = "clinical_record"
	ContextPatient        ContextType = "patient"
	ContextAppointment    ContextType = "appointment"
	ContextConsultation   ContextType = "consultation"
)

func ParseContextType(s string) (ContextType, bool) {
	t := ContextType(strings.ToLower(s))
	switch t {
	case ContextClinicalRecord, ContextPatient, ContextAppointment, ContextConsultation:
		return t, true
	}
	return "", false
}

// ContextRef is the recorded linkage of an audit entry to a subject.
type ContextRef struct {
	Type ContextType `json:"type"`
	ID   string      `json:"id"`
}

// AuditLogEntry is one append-only audit record. Entries of other entities
// merged into contextual views carry their own EntityType and a nil
// AggregateID.
type AuditLogEntry struct {
	ID                    uuid.UUID      `json:"id"`
	AggregateID           uuid.UUID      `json:"aggregateId"`
	PatientID             uuid.UUID      `json:"patientId"`
	EntityType            string         `json:"entityType"`
	EntityID              string         `json:"entityId"`
	Action                Action         `json:"action"`
	Severity              Severity       `json:"severity"`
	ActorID               string         `json:"actorId"`
	ActorEmail            string         `json:"actorEmail,omitempty"`
	ActorRole             string         `json:"actorRole,omitempty"`
	PerformedAt           time.Time      `json:"performedAt"`
	PreviousVersionNumber *int           `json:"previousVersionNumber,omitempty"`
	NewVersionNumber      *int           `json:"newVersionNumber,omitempty"`
	ChangesSummary        ChangesSummary `json:"changesSummary"`
	Summary               string         `json:"summary"`
	Reason                string         `json:"reason,omitempty"`
	FieldDiffs            []FieldDiff    `json:"fieldDiffs,omitempty"`
	Contexts              []ContextRef   `json:"contexts,omitempty"`
	IntegrityHash         string         `json:"integrityHash,omitempty"`
	Technical
	Redacted bool `json:"redacted,omitempty"`
}

// HasContext reports whether the entry was recorded against ref.
func (e *AuditLogEntry) HasContext(ref ContextRef) bool {
	for _, c := range e.Contexts {
		if c == ref {
			return true
		}
	}
	return false
}

type ReviewStatus string

const ReviewPending ReviewStatus = "PENDING"

// PendingReview is a critical field change awaiting secondary sign-off. It
// carries enough context to be reviewed without reading version history.
type PendingReview struct {
	ID              uuid.UUID    `json:"id"`
	AggregateID     uuid.UUID    `json:"aggregateId"`
	AuditLogEntryID uuid.UUID    `json:"auditLogEntryId"`
	Action          Action       `json:"action"`
	VersionNumber   int          `json:"versionNumber"`
	FieldPath       string       `json:"fieldPath"`
	FieldLabel      string       `json:"fieldLabel"`
	OldValue        interface{}  `json:"oldValue"`
	NewValue        interface{}  `json:"newValue"`
	OldValueDisplay string       `json:"oldValueDisplay"`
	NewValueDisplay string       `json:"newValueDisplay"`
	Reason          string       `json:"reason,omitempty"`
	Severity        Severity     `json:"severity"`
	Status          ReviewStatus `json:"status"`
	CreatedBy       string       `json:"createdBy"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// ConsultationContext tells the scheduling screens whether a visit is the
// patient's first.
type ConsultationContext struct {
	PatientID   uuid.UUID  `json:"patientId"`
	FirstVisit  bool       `json:"firstVisit"`
	AggregateID *uuid.UUID `json:"aggregateId,omitempty"`
}

// Verification is the result of re-validating a snapshot's integrity hash.
type Verification struct {
	VersionNumber int    `json:"versionNumber"`
	StoredHash    string `json:"storedHash"`
	ComputedHash  string `json:"computedHash"`
	Valid         bool   `json:"valid"`
}

// Export is a full copy of a record and its history.
type Export struct {
	Aggregate  *Aggregate         `json:"aggregate"`
	Versions   []*VersionSnapshot `json:"versions"`
	ExportedAt time.Time          `json:"exportedAt"`
	ExportedBy string             `json:"exportedBy"`
}

// PrintLine is one labelled answer of the printable record.
type PrintLine struct {
	Label    string `json:"label"`
	Value    string `json:"value"`
	Critical bool   `json:"critical"`
}

type Printout struct {
	AggregateID   uuid.UUID   `json:"aggregateId"`
	PatientID     uuid.UUID   `json:"patientId"`
	VersionNumber int         `json:"versionNumber"`
	Lines         []PrintLine `json:"lines"`
	PrintedAt     time.Time   `json:"printedAt"`
	PrintedBy     string      `json:"printedBy"`
}
