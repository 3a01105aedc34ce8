package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/mo"

	"github.com/ehr/careseries/internal/platform/auth"
	"github.com/ehr/careseries/internal/platform/calendar"
	"github.com/ehr/careseries/pkg/pagination"
)

const mimeCalendar = "text/calendar; charset=utf-8"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, registrar
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/recurring-series/:id", h.GetSeries)
	readGroup.GET("/recurring-series/:id/ics", h.ExportICS)
	readGroup.GET("/recurring-series/:id/rrule", h.ExportRRule)
	readGroup.GET("/patients/:patientId/recurring-series", h.ListForPatient)
	readGroup.POST("/recurring-series/preview", h.PreviewSeries)

	// Write endpoints – admin, physician, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "registrar"))
	writeGroup.POST("/recurring-series", h.CreateSeries)
	writeGroup.PATCH("/recurring-series/:id", h.UpdateSeries)
	writeGroup.POST("/recurring-series/:id/cancel", h.CancelSeries)
	writeGroup.POST("/recurring-series/:id/repair", h.RepairSeries)
}

// httpError maps service errors onto HTTP responses.
func httpError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": "validation failed",
			"fields":  verr.Fields,
		})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request timed out")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// ifMatch reads the expected series version from an If-Match header
// ("3" or W/"3"). Zero means the caller asserted nothing.
func ifMatch(c echo.Context) (int, error) {
	raw := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return 0, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
	}
	return v, nil
}

func setETag(c echo.Context, s *Series) {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, s.Version))
}

// decodeStrict decodes a JSON body, rejecting fields the request type
// does not list.
func decodeStrict(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// The body limit surfaces as a read error.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *Handler) CreateSeries(c echo.Context) error {
	var def Definition
	if err := decodeStrict(c, &def); err != nil {
		return err
	}
	out, err := h.svc.CreateSeries(c.Request().Context(), def)
	if err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) PreviewSeries(c echo.Context) error {
	var def Definition
	if err := decodeStrict(c, &def); err != nil {
		return err
	}
	series, res, err := h.svc.PreviewSeries(c.Request().Context(), def)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"series":      series,
		"occurrences": res.Occurrences,
		"skipped":     res.Skipped,
	})
}

func (h *Handler) GetSeries(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	expand := false
	for _, e := range strings.Split(c.QueryParam("expand"), ",") {
		if strings.TrimSpace(e) == "occurrences" {
			expand = true
		}
	}
	out, err := h.svc.GetSeries(c.Request().Context(), id, GetOptions{ExpandOccurrences: expand})
	if err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := SeriesFilter{
		Status: SeriesStatus(c.QueryParam("status")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if p := c.QueryParam("provider_id"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		f.ProviderID = &pid
	}
	items, total, err := h.svc.ListSeriesForPatient(c.Request().Context(), patientID, f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Series{}
	}
	pagination.SetLinkHeader(c, pg, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type patchBody struct {
	Notes     *string           `json:"notes"`
	Status    *OccurrenceStatus `json:"status"`
	StartTime *time.Time        `json:"start_time"`
	Reason    string            `json:"reason"`
}

type updateBody struct {
	Mode     UpdateMode     `json:"mode"`
	Position int            `json:"position"`
	Date     *calendar.Date `json:"date"`
	Patch    patchBody      `json:"patch"`
}

func optional[T any](p *T) mo.Option[T] {
	if p == nil {
		return mo.None[T]()
	}
	return mo.Some(*p)
}

func (h *Handler) UpdateSeries(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}
	var body updateBody
	if err := decodeStrict(c, &body); err != nil {
		return err
	}

	out, err := h.svc.UpdateSeries(c.Request().Context(), id, UpdateRequest{
		Mode:     body.Mode,
		Position: body.Position,
		Date:     optional(body.Date),
		Patch: Patch{
			Notes:     optional(body.Patch.Notes),
			Status:    optional(body.Patch.Status),
			StartTime: optional(body.Patch.StartTime),
			Reason:    body.Patch.Reason,
		},
		IfVersion: version,
	})
	if err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.JSON(http.StatusOK, out)
}

type cancelBody struct {
	Reason string     `json:"reason"`
	Mode   CancelMode `json:"mode"`
	// FromDate is either a date (2006-01-02, midnight in the series time
	// zone) or an RFC 3339 instant.
	FromDate string `json:"from_date"`
}

func (h *Handler) CancelSeries(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}
	var body cancelBody
	if err := decodeStrict(c, &body); err != nil {
		return err
	}
	if body.Mode == "" {
		body.Mode = CancelAll
	}

	req := CancelRequest{Reason: body.Reason, Mode: body.Mode, IfVersion: version}
	if body.FromDate != "" {
		if d, err := calendar.ParseDate(body.FromDate); err == nil {
			req.FromDate = &d
		} else if t, err := time.Parse(time.RFC3339, body.FromDate); err == nil {
			req.From = t
		} else {
			return httpError(invalid("from_date", "want YYYY-MM-DD or an RFC 3339 timestamp"))
		}
	}

	out, err := h.svc.CancelSeries(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RepairSeries(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	version, err := ifMatch(c)
	if err != nil {
		return err
	}
	out, err := h.svc.RepairSeries(c.Request().Context(), id, version)
	if err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ExportICS(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.GetSeries(c.Request().Context(), id, GetOptions{ExpandOccurrences: true})
	if err != nil {
		return httpError(err)
	}
	var buf bytes.Buffer
	if err := EncodeICS(&buf, out.Series, out.Occurrences); err != nil {
		return httpError(err)
	}
	setETag(c, out.Series)
	return c.Blob(http.StatusOK, mimeCalendar, buf.Bytes())
}

func (h *Handler) ExportRRule(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	out, err := h.svc.GetSeries(c.Request().Context(), id, GetOptions{})
	if err != nil {
		return httpError(err)
	}
	rule, err := RRuleString(out.Series)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rrule":      rule,
		"dtstart":    out.Series.StartAt(out.Series.Rule.Nominal(out.Series.StartDate, 0)),
		"exceptions": out.Series.Exceptions,
	})
}
