package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// DefaultMaxOccurrences caps a generation run when the definition gives no
// explicit count.
const DefaultMaxOccurrences = 100

type SkipReason string

const (
	SkipHoliday     SkipReason = "holiday"
	SkipException   SkipReason = "exception"
	SkipUnavailable SkipReason = "unavailable"
)

// Skip is a nominal date that produced no occurrence.
type Skip struct {
	Date   calendar.Date `json:"date"`
	Reason SkipReason    `json:"reason"`
}

// GenerationResult holds the unsaved occurrences of a run, positions 1..n,
// and the nominal dates that were skipped.
type GenerationResult struct {
	Occurrences []*Occurrence `json:"occurrences"`
	Skipped     []Skip        `json:"skipped"`
}

// HolidaySkips lists the dates skipped because they were holidays.
func (r *GenerationResult) HolidaySkips() []calendar.Date {
	var out []calendar.Date
	for _, s := range r.Skipped {
		if s.Reason == SkipHoliday {
			out = append(out, s.Date)
		}
	}
	return out
}

// Generator expands a series definition into concrete occurrences.
type Generator struct {
	maxOccurrences int
	logger         zerolog.Logger
}

func NewGenerator(maxOccurrences int, logger zerolog.Logger) *Generator {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}
	return &Generator{maxOccurrences: maxOccurrences, logger: logger}
}

// Generate walks the nominal dates of s from StartDate to EndDate. Holiday
// dates (when SkipHolidays is set) and exception dates are skipped without
// consuming a position. An unavailable slot is either skipped or, with
// AutoReschedule, moved to the first free weekday within the window at the
// same time of day. Rescheduling never shifts the cadence: the next nominal
// date is always derived from the rule.
func (g *Generator) Generate(ctx context.Context, s *Series, holidays calendar.Set, avail AvailabilityChecker) (*GenerationResult, error) {
	limit := g.maxOccurrences
	if s.OccurrenceCount > 0 && s.OccurrenceCount < limit {
		limit = s.OccurrenceCount
	}

	p := &placer{
		series:     s,
		holidays:   holidays,
		exceptions: calendar.NewSet(s.Exceptions...),
		avail:      avail,
	}
	res := &GenerationResult{Occurrences: []*Occurrence{}, Skipped: []Skip{}}
	seriesID := s.ID
	log := g.logger.With().Str("series_id", s.ID.String()).Logger()

	for k := 0; len(res.Occurrences) < limit; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nominal := s.Rule.Nominal(s.StartDate, k)
		if nominal.After(s.EndDate) {
			break
		}
		if s.SkipHolidays && holidays.Has(nominal) {
			res.Skipped = append(res.Skipped, Skip{Date: nominal, Reason: SkipHoliday})
			log.Debug().Stringer("date", nominal).Str("reason", string(SkipHoliday)).Msg("occurrence skipped")
			continue
		}
		if p.exceptions.Has(nominal) {
			res.Skipped = append(res.Skipped, Skip{Date: nominal, Reason: SkipException})
			log.Debug().Stringer("date", nominal).Str("reason", string(SkipException)).Msg("occurrence skipped")
			continue
		}

		start, shifted, ok, err := p.place(ctx, nominal)
		if err != nil {
			return nil, err
		}
		if !ok {
			res.Skipped = append(res.Skipped, Skip{Date: nominal, Reason: SkipUnavailable})
			log.Debug().Stringer("date", nominal).Str("reason", string(SkipUnavailable)).Msg("occurrence skipped")
			continue
		}
		if shifted {
			log.Debug().Stringer("date", nominal).Time("start", start).Msg("occurrence rescheduled")
		}

		occ := &Occurrence{
			ID:          uuid.New(),
			SeriesID:    &seriesID,
			PatientID:   s.PatientID,
			ProviderID:  s.ProviderID,
			Position:    len(res.Occurrences) + 1,
			NominalDate: nominal,
			StartTime:   start,
			EndTime:     start.Add(s.Duration()),
			Status:      OccurrenceScheduled,
			Rescheduled: shifted,
			Notes:       s.Notes,
		}
		p.book(occ.StartTime, occ.EndTime)
		res.Occurrences = append(res.Occurrences, occ)
	}
	return res, nil
}

type interval struct{ start, end time.Time }

// placer finds the start instant for one nominal date, remembering the
// intervals it already handed out so a run never double-books itself.
type placer struct {
	series     *Series
	holidays   calendar.Set
	exceptions calendar.Set
	avail      AvailabilityChecker
	booked     []interval
}

func (p *placer) book(start, end time.Time) {
	p.booked = append(p.booked, interval{start, end})
}

// place returns the start of the slot chosen for nominal, whether it was
// moved by auto-reschedule, and false when no slot could be found.
func (p *placer) place(ctx context.Context, nominal calendar.Date) (time.Time, bool, bool, error) {
	blocked := p.exceptions.Has(nominal) || (p.series.SkipHolidays && p.holidays.Has(nominal))
	if !blocked {
		start := p.series.StartAt(nominal)
		free, err := p.free(ctx, start)
		if err != nil {
			return time.Time{}, false, false, err
		}
		if free {
			return start, false, true, nil
		}
	}
	if !p.series.AutoReschedule {
		return time.Time{}, false, false, nil
	}
	for i := 1; i <= p.series.RescheduleWindowDays; i++ {
		cand := calendar.AddDays(nominal, i)
		if calendar.IsWeekend(cand) || p.holidays.Has(cand) || p.exceptions.Has(cand) {
			continue
		}
		candStart := p.series.StartAt(cand)
		free, err := p.free(ctx, candStart)
		if err != nil {
			return time.Time{}, false, false, err
		}
		if free {
			return candStart, true, true, nil
		}
	}
	return time.Time{}, false, false, nil
}

func (p *placer) free(ctx context.Context, start time.Time) (bool, error) {
	end := start.Add(p.series.Duration())
	for _, b := range p.booked {
		if overlaps(start, end, b.start, b.end) {
			return false, nil
		}
	}
	if p.avail == nil {
		return true, nil
	}
	return p.avail.IsSlotFree(ctx, p.series.ProviderID, start, end)
}
