package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// ReasonSlotUnavailable is recorded on occurrences cancelled by a repair.
const ReasonSlotUnavailable = "slot no longer available"

type RepairResult struct {
	Series      *Series       `json:"series"`
	Rescheduled []*Occurrence `json:"rescheduled"`
	Cancelled   []*Occurrence `json:"cancelled"`
	Unchanged   int           `json:"unchanged"`
}

// RepairSeries re-validates every future, scheduled, unmodified occurrence
// against current bookings, holidays and exceptions. Occurrences whose
// slot is no longer valid are moved within the reschedule window when the
// series allows it, otherwise cancelled and their dates recorded as
// exceptions. Modified occurrences are left alone.
func (s *Service) RepairSeries(ctx context.Context, id uuid.UUID, ifVersion int) (*RepairResult, error) {
	var out *RepairResult
	err := s.inSession(ctx, func(sess Session) error {
		series, err := loadSeries(ctx, sess, id, ifVersion)
		if err != nil {
			return err
		}
		if series.Status == SeriesCancelled {
			return invalid("status", "series %s is cancelled", id)
		}
		holidays, err := s.holidaySet(ctx, series)
		if err != nil {
			return err
		}
		occs, err := sess.Occurrences().ListBySeries(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		p := &placer{
			series:     series,
			holidays:   holidays,
			exceptions: calendar.NewSet(series.Exceptions...),
		}
		out = &RepairResult{Series: series, Rescheduled: []*Occurrence{}, Cancelled: []*Occurrence{}}

		for _, o := range occs {
			if o.Status != OccurrenceScheduled || o.IsModified || !o.StartTime.After(now) {
				continue
			}
			p.avail = s.availability(sess, o.ID)

			ok, err := s.slotStillValid(ctx, p, o)
			if err != nil {
				return err
			}
			if ok {
				p.book(o.StartTime, o.EndTime)
				out.Unchanged++
				continue
			}

			var moved bool
			if series.AutoReschedule {
				start, _, found, err := p.place(ctx, o.NominalDate)
				if err != nil {
					return err
				}
				if found && start.After(now) {
					o.StartTime, o.EndTime = start, start.Add(series.Duration())
					o.Rescheduled = series.DateOf(start) != o.NominalDate
					o.UpdatedAt = now
					p.book(o.StartTime, o.EndTime)
					out.Rescheduled = append(out.Rescheduled, o)
					moved = true
				}
			}
			if !moved {
				o.cancel(ReasonSlotUnavailable, now)
				series.AddException(o.NominalDate)
				out.Cancelled = append(out.Cancelled, o)
			}
			if err := sess.Occurrences().Update(ctx, o); err != nil {
				return fmt.Errorf("update occurrence %d: %w", o.Position, err)
			}
		}

		if len(out.Rescheduled)+len(out.Cancelled) > 0 {
			series.UpdatedAt = now
			if err := sess.Series().Update(ctx, series); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("series_id", id.String()).
		Int("rescheduled", len(out.Rescheduled)).
		Int("cancelled", len(out.Cancelled)).
		Msg("series repaired")
	return out, nil
}

// slotStillValid reports whether o's current slot avoids holidays (when
// the series skips them), exception dates and conflicting bookings.
func (s *Service) slotStillValid(ctx context.Context, p *placer, o *Occurrence) (bool, error) {
	d := p.series.DateOf(o.StartTime)
	if p.exceptions.Has(d) || p.exceptions.Has(o.NominalDate) {
		return false, nil
	}
	if p.series.SkipHolidays && p.holidays.Has(d) {
		return false, nil
	}
	if o.Rescheduled && (calendar.IsWeekend(d) || p.holidays.Has(d)) {
		return false, nil
	}
	return p.free(ctx, o.StartTime)
}
