// Package holiday provides non-bookable date sources for recurring series
// generation. Every source is constructed explicitly and injected; there is
// no package-level holiday state.
package holiday

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// Calendar returns the non-bookable dates of a jurisdiction within
// [start, end], inclusive, in ascending order.
type Calendar interface {
	HolidaysInRange(ctx context.Context, start, end calendar.Date, jurisdiction string) ([]calendar.Date, error)
}

// Holiday is one named non-bookable date.
type Holiday struct {
	Date calendar.Date `yaml:"date" json:"date"`
	Name string        `yaml:"name" json:"name,omitempty"`
}

// Static is an in-memory calendar keyed by jurisdiction. Jurisdiction keys
// are case-insensitive. Dates registered under "*" apply to all of them.
type Static struct {
	mu    sync.RWMutex
	dates map[string]calendar.Set
}

// Wildcard is the jurisdiction whose holidays apply everywhere.
const Wildcard = "*"

// NewStatic creates an empty static calendar.
func NewStatic() *Static {
	return &Static{dates: make(map[string]calendar.Set)}
}

// Add registers holidays for a jurisdiction.
func (s *Static) Add(jurisdiction string, dates ...calendar.Date) {
	key := normalize(jurisdiction)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.dates[key]
	if !ok {
		set = calendar.NewSet()
		s.dates[key] = set
	}
	for _, d := range dates {
		set.Add(d)
	}
}

// Replace swaps the whole date set of a jurisdiction.
func (s *Static) Replace(jurisdiction string, dates []calendar.Date) {
	key := normalize(jurisdiction)
	set := calendar.NewSet(dates...)
	s.mu.Lock()
	s.dates[key] = set
	s.mu.Unlock()
}

// HolidaysInRange implements Calendar.
func (s *Static) HolidaysInRange(_ context.Context, start, end calendar.Date, jurisdiction string) ([]calendar.Date, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := calendar.NewSet()
	for _, key := range []string{normalize(jurisdiction), Wildcard} {
		for d := range s.dates[key] {
			if !d.Before(start) && !d.After(end) {
				out.Add(d)
			}
		}
	}
	return sorted(out), nil
}

// Union merges the answers of several calendars.
type Union []Calendar

// HolidaysInRange implements Calendar. The first failing source aborts the
// lookup; a partial holiday set would let a series book on a closed day.
func (u Union) HolidaysInRange(ctx context.Context, start, end calendar.Date, jurisdiction string) ([]calendar.Date, error) {
	out := calendar.NewSet()
	for _, c := range u {
		dates, err := c.HolidaysInRange(ctx, start, end, jurisdiction)
		if err != nil {
			return nil, err
		}
		for _, d := range dates {
			out.Add(d)
		}
	}
	return sorted(out), nil
}

// None is a calendar without holidays.
type None struct{}

func (None) HolidaysInRange(context.Context, calendar.Date, calendar.Date, string) ([]calendar.Date, error) {
	return nil, nil
}

func sorted(set calendar.Set) []calendar.Date {
	out := make([]calendar.Date, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func normalize(jurisdiction string) string {
	j := strings.ToLower(strings.TrimSpace(jurisdiction))
	if j == "" {
		return "default"
	}
	return j
}
