package anamnesis

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anamnesis/internal/platform/auth"
	"github.com/ehr/anamnesis/internal/platform/middleware"
	"github.com/ehr/anamnesis/pkg/pagination"
)

// Handler exposes the clinical record service over HTTP.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers all clinical record routes on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	view := auth.RequireCapability(auth.CanViewRecord)
	edit := auth.RequireCapability(auth.CanEditRecord)
	audit := auth.RequireCapability(auth.CanViewAudit)
	readAudit := middleware.ReadAudit(h.logger, "id", h.svc)

	records := api.Group("/clinical-records")
	records.POST("", h.CreateRecord, edit)
	records.GET("/:id", h.GetRecord, view, readAudit)
	records.PUT("/:id", h.UpdateRecord, edit)
	records.DELETE("/:id", h.DeleteRecord, edit)
	records.GET("/:id/export", h.ExportRecord, view)
	records.GET("/:id/print", h.PrintRecord, view)

	records.GET("/:id/versions", h.ListVersions, audit)
	records.GET("/:id/versions/compare", h.CompareVersions, audit)
	records.GET("/:id/versions/:version", h.GetVersion, audit)
	records.GET("/:id/versions/:version/verify", h.VerifyVersion, auth.RequireCapability(auth.CanViewTechnicalDetails))
	records.POST("/:id/versions/:version/restore", h.RestoreVersion, auth.RequireCapability(auth.CanRestore))

	records.GET("/:id/audit-logs", h.ListAuditLogs, audit)
	records.GET("/:id/audit-logs/:logId", h.GetAuditLogDetail, audit)
	records.GET("/:id/pending-reviews", h.ListPendingReviews, auth.RequireCapability(auth.CanViewPendingReviews))

	patients := api.Group("/patients/:patientId")
	patients.GET("/clinical-record", h.GetRecordByPatient, view, readAudit)
	patients.GET("/consultation-context", h.GetConsultationContext, view)

	trail := api.Group("/audit")
	trail.GET("/context/:type/:contextId", h.ListContextualAudit, auth.RequireCapability(auth.CanViewContextualLog))
	trail.POST("/trail", h.RecordTrailEvent, auth.RequireCapability(auth.CanIngestTrail))
}

// -- Records --

func (h *Handler) CreateRecord(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	agg, err := h.svc.CreateRecord(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", agg.ETag())
	c.Response().Header().Set("Location", "/api/v1/clinical-records/"+agg.ID.String())
	return c.JSON(http.StatusCreated, agg)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	agg, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", agg.ETag())
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) GetRecordByPatient(c echo.Context) error {
	patientID, err := pathUUID(c, "patientId")
	if err != nil {
		return err
	}
	agg, err := h.svc.GetRecordByPatient(c.Request().Context(), patientID)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(middleware.AuditSubjectKey, agg.ID.String())
	c.Response().Header().Set("ETag", agg.ETag())
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	if in.ExpectedVersion, err = expectedVersion(c, in.ExpectedVersion); err != nil {
		return err
	}
	agg, err := h.svc.UpdateRecord(c.Request().Context(), id, in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", agg.ETag())
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var in DeleteInput
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&in); err != nil {
			return badRequest("invalid request body")
		}
	}
	if in.Reason == "" {
		in.Reason = c.QueryParam("reason")
	}
	if in.ExpectedVersion, err = expectedVersion(c, in.ExpectedVersion); err != nil {
		return err
	}
	agg, err := h.svc.DeleteRecord(c.Request().Context(), id, in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", agg.ETag())
	return c.JSON(http.StatusOK, agg)
}

func (h *Handler) ExportRecord(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.ExportRecord(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="clinical-record-%s.json"`, id))
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) PrintRecord(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.PrintRecord(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetConsultationContext(c echo.Context) error {
	patientID, err := pathUUID(c, "patientId")
	if err != nil {
		return err
	}
	out, err := h.svc.GetConsultationContext(c.Request().Context(), patientID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Versions --

func (h *Handler) ListVersions(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return badRequest(err.Error())
	}
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListVersions(c.Request().Context(), id, VersionQuery{
		DateFrom: from, DateTo: to, Limit: pg.Limit, Offset: pg.Offset(),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetVersion(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	snap, err := h.svc.GetVersion(c.Request().Context(), id, c.Param("version"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) CompareVersions(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" || to == "" {
		return badRequest("from and to are required")
	}
	diffs, err := h.svc.CompareVersions(c.Request().Context(), id, from, to)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"diffs":   diffs,
		"summary": Summarize(diffs),
	})
}

func (h *Handler) VerifyVersion(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.VerifyVersion(c.Request().Context(), id, c.Param("version"))
	var de *Error
	if err != nil && v != nil && errors.As(err, &de) {
		return c.JSON(HTTPStatus(err), map[string]interface{}{
			"code":         de.Code,
			"message":      de.Message,
			"verification": v,
		})
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) RestoreVersion(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var in RestoreInput
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&in); err != nil {
			return badRequest("invalid request body")
		}
	}
	if in.ExpectedVersion, err = expectedVersion(c, in.ExpectedVersion); err != nil {
		return err
	}
	agg, err := h.svc.RestoreVersion(c.Request().Context(), id, c.Param("version"), in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", agg.ETag())
	return c.JSON(http.StatusOK, agg)
}

// -- Audit --

func (h *Handler) ListAuditLogs(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return badRequest(err.Error())
	}
	from, to, err := dateRange(c)
	if err != nil {
		return err
	}
	q := AuditQuery{DateFrom: from, DateTo: to, Limit: pg.Limit, Offset: pg.Offset()}
	if raw := c.QueryParam("action"); raw != "" {
		a, ok := ParseAction(raw)
		if !ok {
			return badRequest("unknown action " + raw)
		}
		q.Action = &a
	}
	if raw := c.QueryParam("severity"); raw != "" {
		sev, ok := ParseSeverity(raw)
		if !ok {
			return badRequest("unknown severity " + raw)
		}
		q.Severity = &sev
	}

	items, total, err := h.svc.ListAuditLogs(c.Request().Context(), id, q)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetAuditLogDetail(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	entryID, err := pathUUID(c, "logId")
	if err != nil {
		return err
	}
	e, err := h.svc.GetAuditLogDetail(c.Request().Context(), id, entryID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListPendingReviews(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPendingReviews(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) ListContextualAudit(c echo.Context) error {
	t, ok := ParseContextType(c.Param("type"))
	if !ok {
		return badRequest("unknown context type " + c.Param("type"))
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return badRequest("limit must be a positive integer")
		}
		limit = n
	}
	items, err := h.svc.ListContextualAudit(c.Request().Context(), ContextRef{Type: t, ID: c.Param("contextId")}, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) RecordTrailEvent(c echo.Context) error {
	var in TrailInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	event, err := h.svc.RecordTrailEvent(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": event.ID})
}

// -- helpers --

// fail converts a service error into the JSON error body. Internal causes are
// logged and never sent.
func (h *Handler) fail(c echo.Context, err error) error {
	code, msg := CodeInternal, "internal error"
	var de *Error
	if errors.As(err, &de) {
		code, msg = de.Code, de.Message
	}
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("path", c.Path()).
			Msg("clinical record request failed")
	}
	return echo.NewHTTPError(status, map[string]string{"code": string(code), "message": msg})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
		"code": string(CodeValidation), "message": msg,
	})
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid " + name)
	}
	return id, nil
}

// expectedVersion prefers the If-Match header over the body value.
func expectedVersion(c echo.Context, fromBody int) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return fromBody, nil
	}
	v, err := ParseETag(raw)
	if err != nil {
		return 0, badRequest("invalid If-Match header: " + err.Error())
	}
	return v, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive version: %s", etag)
	}
	return v, nil
}

// dateRange reads dateFrom and dateTo as RFC 3339 timestamps or plain dates.
// A plain dateTo covers its whole day.
func dateRange(c echo.Context) (*time.Time, *time.Time, error) {
	from, err := parseDate(c.QueryParam("dateFrom"), false)
	if err != nil {
		return nil, nil, badRequest("invalid dateFrom")
	}
	to, err := parseDate(c.QueryParam("dateTo"), true)
	if err != nil {
		return nil, nil, badRequest("invalid dateTo")
	}
	if from != nil && to != nil && from.After(*to) {
		return nil, nil, badRequest("dateFrom must not be after dateTo")
	}
	return from, to, nil
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
