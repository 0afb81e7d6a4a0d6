package anamnesis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/db"
	"github.com/ehr/anamnesis/internal/platform/metrics"
	"github.com/ehr/anamnesis/internal/platform/reqctx"
	"github.com/ehr/anamnesis/internal/platform/sidechannel"
)

const (
	maxReasonLength = 500
	maxPageSize     = 100
	contextualLimit = 200
)

// Publisher hands general audit-trail events to the side channel. Publish
// must not block on delivery.
type Publisher interface {
	Publish(event sidechannel.Event) error
}

// Service is the clinical record versioning and audit engine. Every exported
// method resolves the caller from ctx and checks its capability before
// touching storage.
type Service struct {
	store     Store
	writer    *AuditWriter
	reviews   *ReviewQueue
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.writer = NewAuditWriter(store, s.now)
	s.reviews = NewReviewQueue(store, s.now)
	return s
}

// Actor is the authenticated caller together with the request it came from.
type Actor struct {
	auth.Caller
	Technical reqctx.Technical
	ClinicID  string
}

// ActorFromContext assembles the actor from the identity, technical and clinic
// values the middleware chain stored on ctx.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return Actor{}, false
	}
	return Actor{
		Caller:    caller,
		Technical: reqctx.FromContext(ctx),
		ClinicID:  db.ClinicFromContext(ctx),
	}, true
}

// authorize is the single permission gate of every operation.
func (s *Service) authorize(ctx context.Context, capability auth.Capability) (Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, forbidden("authentication required")
	}
	if !auth.Can(actor.Role, capability) {
		return Actor{}, forbidden("role " + string(actor.Role) + " lacks " + string(capability))
	}
	return actor, nil
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := s.logger.With().Str("request_id", reqctx.FromContext(ctx).RequestID).Logger()
	return &l
}

// publish hands an event to the side channel. Failures never reach the
// caller of the operation that produced the event.
func (s *Service) publish(ctx context.Context, event sidechannel.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(event); err != nil {
		s.log(ctx).Warn().Err(err).
			Str("event_id", event.ID).
			Str("entity_id", event.EntityID).
			Str("action", event.Action).
			Msg("audit trail event not published")
	}
}

func validateReason(reason string, required bool) (string, error) {
	reason = strings.TrimSpace(reason)
	if required && reason == "" {
		return "", validation("reason is required")
	}
	if len([]rune(reason)) > maxReasonLength {
		return "", validation("reason must not exceed %d characters", maxReasonLength)
	}
	return reason, nil
}

func validateWindow(limit, offset int, from, to *time.Time) error {
	if limit < 1 || limit > maxPageSize {
		return validation("limit must be between 1 and %d", maxPageSize)
	}
	if offset < 0 {
		return validation("offset must not be negative")
	}
	if from != nil && to != nil && from.After(*to) {
		return validation("dateFrom must not be after dateTo")
	}
	return nil
}

// resolveVersion loads a snapshot by id or by version number. The lookup is
// always scoped to aggregateID, so a snapshot of another record is reported
// as missing.
func (s *Service) resolveVersion(ctx context.Context, aggregateID uuid.UUID, ref string) (*VersionSnapshot, error) {
	ref = strings.TrimSpace(ref)
	if id, err := uuid.Parse(ref); err == nil {
		return s.store.GetSnapshot(ctx, aggregateID, id)
	}
	n, err := strconv.Atoi(ref)
	if err != nil || n < 1 {
		return nil, validation("version must be a version id or a positive version number")
	}
	return s.store.GetSnapshotByNumber(ctx, aggregateID, n)
}
