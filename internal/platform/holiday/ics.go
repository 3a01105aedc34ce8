package holiday

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// ErrFeedNotLoaded is returned when an ICS calendar is queried before its
// first successful refresh.
var ErrFeedNotLoaded = errors.New("holiday feed not loaded")

// ICSCalendar serves holidays parsed from an iCalendar feed (for example a
// public-holiday subscription URL). The feed is registered under a single
// jurisdiction; queries for other jurisdictions return no dates.
type ICSCalendar struct {
	url          string
	jurisdiction string
	client       *http.Client
	logger       zerolog.Logger

	mu     sync.RWMutex
	dates  calendar.Set
	etag   string
	loaded bool
}

// NewICSCalendar creates a feed-backed calendar. Nothing is fetched until
// Refresh is called.
func NewICSCalendar(url, jurisdiction string, logger zerolog.Logger) *ICSCalendar {
	return &ICSCalendar{
		url:          url,
		jurisdiction: normalize(jurisdiction),
		client:       &http.Client{Timeout: 15 * time.Second},
		logger:       logger.With().Str("component", "holiday_ics").Logger(),
		dates:        calendar.NewSet(),
	}
}

// Name identifies the feed in refresher logs.
func (c *ICSCalendar) Name() string { return "ics:" + c.jurisdiction }

// Refresh fetches the feed, honoring ETag, and atomically replaces the
// parsed date set. On failure the previous set stays in place.
func (c *ICSCalendar) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build holiday feed request: %w", err)
	}
	c.mu.RLock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch holiday feed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		c.logger.Debug().Msg("holiday feed not modified")
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("fetch holiday feed: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read holiday feed: %w", err)
	}
	dates, err := ParseICS(bytes.NewReader(body))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.dates = calendar.NewSet(dates...)
	c.etag = resp.Header.Get("ETag")
	c.loaded = true
	c.mu.Unlock()

	c.logger.Info().Int("holidays", len(dates)).Msg("holiday feed refreshed")
	return nil
}

// HolidaysInRange implements Calendar.
func (c *ICSCalendar) HolidaysInRange(_ context.Context, start, end calendar.Date, jurisdiction string) ([]calendar.Date, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return nil, ErrFeedNotLoaded
	}
	if normalize(jurisdiction) != c.jurisdiction {
		return nil, nil
	}
	out := calendar.NewSet()
	for d := range c.dates {
		if !d.Before(start) && !d.After(end) {
			out.Add(d)
		}
	}
	return sorted(out), nil
}

// icsHorizon bounds the expansion of open-ended recurring holidays.
const icsHorizon = 5 * 365 * 24 * time.Hour

// ParseICS extracts every date covered by the VEVENTs of an iCalendar
// payload. DTEND is exclusive, as RFC 5545 defines it for all-day events;
// an event without DTEND covers its start date only. Recurring events are
// expanded up to a few years from now.
func ParseICS(r io.Reader) ([]calendar.Date, error) {
	return ParseICSUntil(r, time.Now().Add(icsHorizon))
}

// ParseICSUntil is ParseICS with recurring events (RRULE minus EXDATE)
// expanded through until.
func ParseICSUntil(r io.Reader, until time.Time) ([]calendar.Date, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse holiday feed: %w", err)
	}

	var out []calendar.Date
	for _, ev := range cal.Events() {
		startProp := ev.GetProperty(ical.ComponentPropertyDtStart)
		if startProp == nil {
			continue
		}
		start, err := parseICSDate(startProp.Value)
		if err != nil {
			return nil, err
		}
		span := 1
		if endProp := ev.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
			if e, err := parseICSDate(endProp.Value); err == nil && e.After(start) {
				span = calendar.DaysBetween(start, e)
			}
		}
		starts, err := eventStarts(ev, start, until)
		if err != nil {
			return nil, err
		}
		for _, s := range starts {
			for i := 0; i < span; i++ {
				out = append(out, calendar.AddDays(s, i))
			}
		}
	}
	return out, nil
}

// eventStarts lists the start dates of ev: DTSTART alone, or every RRULE
// instance through until that no EXDATE removes.
func eventStarts(ev *ical.VEvent, start calendar.Date, until time.Time) ([]calendar.Date, error) {
	ruleProp := ev.GetProperty(ical.ComponentPropertyRrule)
	if ruleProp == nil || strings.TrimSpace(ruleProp.Value) == "" {
		return []calendar.Date{start}, nil
	}
	rule, err := rrule.StrToRRule(ruleProp.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE %q: %w", ruleProp.Value, err)
	}
	rule.DTStart(start.Midnight())

	var set rrule.Set
	set.RRule(rule)
	for _, p := range ev.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(v) == "" {
				continue
			}
			ex, err := parseICSDate(v)
			if err != nil {
				return nil, err
			}
			set.ExDate(ex.Midnight())
		}
	}

	var out []calendar.Date
	for _, t := range set.Between(start.Midnight(), until, true) {
		out = append(out, calendar.DateOf(t))
	}
	return out, nil
}

// parseICSDate reads the date part of an ICS DATE or DATE-TIME value.
func parseICSDate(v string) (calendar.Date, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return calendar.Date{}, fmt.Errorf("invalid ICS date %q", v)
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return calendar.Date{}, fmt.Errorf("invalid ICS date %q: %w", v, err)
	}
	return calendar.DateOf(t), nil
}
