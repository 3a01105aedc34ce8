package pagination

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset query parameters from the echo
// context, clamping them to [1, MaxLimit] and >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Link is one navigation link of a paginated result.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links returns the next/prev links for a page of total results. The
// query of base (filters such as status=active) is preserved; its limit
// and offset are replaced.
func (p Params) Links(base *url.URL, total int) []Link {
	page := func(offset int) string {
		u := *base
		q := u.Query()
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		u.RawQuery = q.Encode()
		return u.String()
	}

	var links []Link
	if p.HasNext(total) {
		links = append(links, Link{Relation: "next", URL: page(p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, Link{Relation: "prev", URL: page(p.PreviousOffset())})
	}
	return links
}

// SetLinkHeader writes the RFC 8288 Link header for the current request.
// Nothing is written for a single page.
func SetLinkHeader(c echo.Context, p Params, total int) {
	links := p.Links(c.Request().URL, total)
	if len(links) == 0 {
		return
	}
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, fmt.Sprintf(`<%s>; rel="%s"`, l.URL, l.Relation))
	}
	c.Response().Header().Set("Link", strings.Join(parts, ", "))
}
