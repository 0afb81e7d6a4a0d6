package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/reqctx"
)

type mockRecorder struct {
	mu     sync.Mutex
	events []AccessEvent
	err    error
}

func (m *mockRecorder) RecordAccess(_ context.Context, event AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newAuditContext(t *testing.T) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anamnesis/rec-1", nil)
	ctx := auth.WithCaller(req.Context(), auth.Caller{ID: "u1", Role: auth.RoleDentist})
	ctx = reqctx.With(ctx, reqctx.Technical{IP: "10.0.0.1", RequestID: "rid-1"})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/anamnesis/:id")
	c.SetParamNames("id")
	c.SetParamValues("rec-1")
	return c, rec
}

func TestReadAudit_RecordsSuccessfulRead(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newAuditContext(t)

	h := ReadAudit(zerolog.Nop(), "id", rec)(func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": "rec-1"})
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 access event, got %d", rec.count())
	}
	ev := rec.events[0]
	if ev.AggregateID != "rec-1" {
		t.Errorf("expected aggregate rec-1, got %q", ev.AggregateID)
	}
	if ev.Caller.ID != "u1" || ev.Technical.IP != "10.0.0.1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Route != "/api/v1/anamnesis/:id" {
		t.Errorf("unexpected route %q", ev.Route)
	}
}

func TestReadAudit_SkipsFailedRead(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newAuditContext(t)

	h := ReadAudit(zerolog.Nop(), "id", rec)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	if err := h(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if rec.count() != 0 {
		t.Errorf("expected no access event for a failed read, got %d", rec.count())
	}
}

func TestReadAudit_RecorderFailureDoesNotFailRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("db down")}
	c, httpRec := newAuditContext(t)

	h := ReadAudit(zerolog.Nop(), "id", rec)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("recorder failure must not surface, got %v", err)
	}
	if httpRec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", httpRec.Code)
	}
}

func TestAccessRecorderFunc(t *testing.T) {
	called := false
	var r AccessRecorder = AccessRecorderFunc(func(_ context.Context, ev AccessEvent) error {
		called = ev.AggregateID == "x"
		return nil
	})
	_ = r.RecordAccess(context.Background(), AccessEvent{AggregateID: "x"})
	if !called {
		t.Error("expected function adapter to be invoked")
	}
}

func TestReadAudit_SubjectOverride(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newAuditContext(t)

	h := ReadAudit(zerolog.Nop(), "id", rec)(func(c echo.Context) error {
		c.Set(AuditSubjectKey, "rec-by-patient")
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 event, got %d", rec.count())
	}
	if got := rec.events[0].AggregateID; got != "rec-by-patient" {
		t.Errorf("expected subject override, got %q", got)
	}
}
