package gcal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	caldate "github.com/ehr/careseries/internal/platform/calendar"
)

// HolidayCalendar reads all-day events of public Google holiday calendars
// (e.g. "en.usa#holiday@group.v.calendar.google.com"). Each jurisdiction
// maps to one calendar id; unknown jurisdictions have no holidays. Every
// call queries Google, nothing is cached.
type HolidayCalendar struct {
	srv       *calendar.Service
	calendars map[string]string
}

func NewHolidayCalendar(srv *calendar.Service, calendars map[string]string) *HolidayCalendar {
	normalized := make(map[string]string, len(calendars))
	for k, v := range calendars {
		normalized[strings.ToLower(k)] = v
	}
	return &HolidayCalendar{srv: srv, calendars: normalized}
}

// HolidaysInRange lists every date covered by an event in [start, end].
func (h *HolidayCalendar) HolidaysInRange(ctx context.Context, start, end caldate.Date, jurisdiction string) ([]caldate.Date, error) {
	calID, ok := h.calendars[strings.ToLower(strings.TrimSpace(jurisdiction))]
	if !ok {
		return nil, nil
	}

	seen := caldate.NewSet()
	var out []caldate.Date
	call := h.srv.Events.List(calID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(start.Midnight().Format(time.RFC3339)).
		TimeMax(caldate.AddDays(end, 1).Midnight().Format(time.RFC3339))

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			from, to, err := eventDates(item)
			if err != nil {
				return err
			}
			for d := from; d.Before(to); d = caldate.AddDays(d, 1) {
				if d.Before(start) || d.After(end) || seen.Has(d) {
					continue
				}
				seen.Add(d)
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list google holidays for %s: %w", jurisdiction, err)
	}
	return out, nil
}

// eventDates returns the [from, to) date span of an event.
func eventDates(ev *calendar.Event) (caldate.Date, caldate.Date, error) {
	from, err := eventDate(ev.Start)
	if err != nil {
		return caldate.Date{}, caldate.Date{}, err
	}
	to := caldate.AddDays(from, 1)
	if ev.End != nil && ev.End.Date != "" {
		if e, err := caldate.ParseDate(ev.End.Date); err == nil && e.After(from) {
			to = e
		}
	}
	return from, to, nil
}

func eventDate(dt *calendar.EventDateTime) (caldate.Date, error) {
	if dt == nil {
		return caldate.Date{}, fmt.Errorf("event without start")
	}
	if dt.Date != "" {
		return caldate.ParseDate(dt.Date)
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return caldate.Date{}, fmt.Errorf("invalid event start %q: %w", dt.DateTime, err)
	}
	return caldate.DateOf(t), nil
}
