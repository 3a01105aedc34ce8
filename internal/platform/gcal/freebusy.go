package gcal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

// FreeBusyChecker asks Google Calendar whether a provider's own calendar is
// busy over an interval. Providers without a mapped calendar are always free.
type FreeBusyChecker struct {
	srv       *calendar.Service
	calendars map[uuid.UUID]string
}

func NewFreeBusyChecker(srv *calendar.Service, calendars map[uuid.UUID]string) *FreeBusyChecker {
	return &FreeBusyChecker{srv: srv, calendars: calendars}
}

// IsSlotFree reports whether [start, end) overlaps no busy period.
func (f *FreeBusyChecker) IsSlotFree(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error) {
	calID, ok := f.calendars[providerID]
	if !ok {
		return true, nil
	}

	resp, err := f.srv.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: end.UTC().Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: calID}},
	}).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("query free/busy for provider %s: %w", providerID, err)
	}

	cal, ok := resp.Calendars[calID]
	if !ok {
		return false, fmt.Errorf("free/busy response missing calendar %s", calID)
	}
	if len(cal.Errors) > 0 {
		return false, fmt.Errorf("free/busy for calendar %s: %s", calID, cal.Errors[0].Reason)
	}
	for _, p := range cal.Busy {
		bs, err1 := time.Parse(time.RFC3339, p.Start)
		be, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("invalid busy period %s..%s", p.Start, p.End)
		}
		if bs.Before(end) && be.After(start) {
			return false, nil
		}
	}
	return true, nil
}
