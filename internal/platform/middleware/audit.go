package middleware

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/reqctx"
)

// AuditSubjectKey lets a handler name the record it served when the route
// parameter is not the record id.
const AuditSubjectKey = "audit_subject_id"

// AccessEvent describes one successful read of a clinical record.
type AccessEvent struct {
	AggregateID string
	Caller      auth.Caller
	Technical   reqctx.Technical
	Route       string
	StatusCode  int
	Timestamp   time.Time
}

// AccessRecorder persists read access. Implementations are called after the
// response has been produced; their errors never reach the client.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, event AccessEvent) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(ctx context.Context, event AccessEvent) error

func (f AccessRecorderFunc) RecordAccess(ctx context.Context, event AccessEvent) error {
	return f(ctx, event)
}

// ReadAudit records a VIEW for every 2xx response of the routes it is mounted
// on. The record id is taken from the path parameter named param.
func ReadAudit(logger zerolog.Logger, param string, recorder AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err != nil || recorder == nil {
				return err
			}

			status := c.Response().Status
			if status < 200 || status >= 300 {
				return nil
			}

			subject := c.Param(param)
			if id, ok := c.Get(AuditSubjectKey).(string); ok && id != "" {
				subject = id
			}

			ctx := c.Request().Context()
			caller, _ := auth.CallerFromContext(ctx)
			event := AccessEvent{
				AggregateID: subject,
				Caller:      caller,
				Technical:   reqctx.FromContext(ctx),
				Route:       c.Path(),
				StatusCode:  status,
				Timestamp:   time.Now().UTC(),
			}

			// The response is already written; a cancelled request must not
			// drop the audit row.
			if recErr := recorder.RecordAccess(context.WithoutCancel(ctx), event); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", event.Technical.RequestID).
					Str("aggregate_id", event.AggregateID).
					Str("action", "VIEW").
					Msg("failed to record read access")
			}
			return nil
		}
	}
}
