// Package sidechannel delivers general audit-trail events asynchronously,
// decoupled from the transaction that produced them.
//
// Delivery is at least once only for events Publish accepted, and only while
// the process lives: each sink is retried until it succeeds or the event is
// dead-lettered to the log. The queue is in memory and bounded. Publish on a
// full queue rejects the event with ErrQueueFull, and events still queued when
// the process exits are lost. Record mutations never depend on this path; they
// are indexed in the clinic's own tables inside the primary transaction.
package sidechannel

import (
	"time"

	"github.com/ehr/anamnesis/internal/platform/reqctx"
)

// ContextRef links an event to a patient, appointment or other subject so
// contextual audit views can find it without inspecting the payload.
type ContextRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one entry of the cross-entity audit trail. ID is the idempotency
// key: sinks must tolerate receiving the same event more than once.
type Event struct {
	ID         string            `json:"id"`
	ClinicID   string            `json:"clinicId,omitempty"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Action     string            `json:"action"`
	Severity   string            `json:"severity"`
	ActorID    string            `json:"actorId"`
	ActorEmail string            `json:"actorEmail,omitempty"`
	ActorRole  string            `json:"actorRole,omitempty"`
	Summary    string            `json:"summary"`
	Contexts   []ContextRef      `json:"contexts"`
	Technical  reqctx.Technical  `json:"technical"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
