package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runSecurityHeaders(t *testing.T, hsts bool, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/recurring-series/1/ics", nil)
	rec := httptest.NewRecorder()
	err := SecurityHeaders(hsts)(handler)(echo.New().NewContext(req, rec))
	return rec, err
}

func TestSecurityHeaders(t *testing.T) {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }

	for _, hsts := range []bool{false, true} {
		rec, err := runSecurityHeaders(t, hsts, ok)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for header, want := range map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Referrer-Policy":        "no-referrer",
			"Cache-Control":          "no-store",
		} {
			if got := rec.Header().Get(header); got != want {
				t.Errorf("hsts=%v: header %s = %q, want %q", hsts, header, got, want)
			}
		}
		if got := rec.Header().Get("Strict-Transport-Security"); (got != "") != hsts {
			t.Errorf("hsts=%v: unexpected Strict-Transport-Security %q", hsts, got)
		}
	}
}

func TestSecurityHeaders_SetOnError(t *testing.T) {
	rec, err := runSecurityHeaders(t, false, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 error to pass through, got %v", err)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("headers should be set even when the handler fails")
	}
}
