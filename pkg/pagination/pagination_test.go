package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
		{"?offset=-5", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			p := FromContext(echo.New().NewContext(req, httptest.NewRecorder()))
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d",
					p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	series := []string{"s1", "s2", "s3"}
	if r := NewResponse(series, 10, 3, 0); !r.HasMore || r.Total != 10 {
		t.Errorf("expected more pages of 10, got %+v", r)
	}
	if r := NewResponse(series, 3, 3, 0); r.HasMore {
		t.Error("a complete first page has no more results")
	}
}

func TestParams_Navigation(t *testing.T) {
	tests := []struct {
		name     string
		params   Params
		total    int
		hasNext  bool
		hasPrev  bool
		next     int
		previous int
	}{
		{"first page", Params{Limit: 10, Offset: 0}, 25, true, false, 10, 0},
		{"middle page", Params{Limit: 10, Offset: 10}, 25, true, true, 20, 0},
		{"last partial page", Params{Limit: 10, Offset: 20}, 25, false, true, 30, 10},
		{"unaligned offset", Params{Limit: 10, Offset: 5}, 25, true, true, 15, 0},
		{"past the end", Params{Limit: 10, Offset: 30}, 25, false, true, 40, 20},
		{"empty", Params{Limit: 10, Offset: 0}, 0, false, false, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.params
			if got := p.HasNext(tt.total); got != tt.hasNext {
				t.Errorf("HasNext = %v, want %v", got, tt.hasNext)
			}
			if got := p.HasPrevious(); got != tt.hasPrev {
				t.Errorf("HasPrevious = %v, want %v", got, tt.hasPrev)
			}
			if got := p.NextOffset(); got != tt.next {
				t.Errorf("NextOffset = %d, want %d", got, tt.next)
			}
			if got := p.PreviousOffset(); got != tt.previous {
				t.Errorf("PreviousOffset = %d, want %d", got, tt.previous)
			}
		})
	}
}

func TestParams_Links(t *testing.T) {
	base, err := url.Parse("/api/v1/patients/p1/recurring-series?status=active&limit=10")
	if err != nil {
		t.Fatal(err)
	}

	links := Params{Limit: 10, Offset: 10}.Links(base, 25)
	got := map[string]string{}
	for _, l := range links {
		got[l.Relation] = l.URL
	}
	want := map[string]string{
		"next": "/api/v1/patients/p1/recurring-series?limit=10&offset=20&status=active",
		"prev": "/api/v1/patients/p1/recurring-series?limit=10&offset=0&status=active",
	}
	for rel, u := range want {
		if got[rel] != u {
			t.Errorf("%s link = %q, want %q", rel, got[rel], u)
		}
	}

	if links := (Params{Limit: 10}).Links(base, 3); len(links) != 0 {
		t.Errorf("a single page has no links, got %+v", links)
	}
}

func TestSetLinkHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/items?offset=10&limit=10", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	SetLinkHeader(c, FromContext(c), 15)
	if got, want := rec.Header().Get("Link"), `</items?limit=10&offset=0>; rel="prev"`; got != want {
		t.Errorf("Link = %q, want %q", got, want)
	}

	rec = httptest.NewRecorder()
	c = echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/items", nil), rec)
	SetLinkHeader(c, FromContext(c), 5)
	if got := rec.Header().Get("Link"); got != "" {
		t.Errorf("expected no Link header for one page, got %q", got)
	}
}
