package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careseries/internal/platform/calendar"
)

type CancelMode string

const (
	CancelAll    CancelMode = "all"
	CancelFuture CancelMode = "future"
)

// CancelRequest describes a series cancellation. For mode future the
// cutoff is From, or midnight of FromDate in the series time zone, or now.
type CancelRequest struct {
	Reason    string
	Mode      CancelMode
	From      time.Time
	FromDate  *calendar.Date
	IfVersion int
}

type CancelResult struct {
	Series         *Series `json:"series"`
	CancelledCount int     `json:"cancelled_count"`
}

func (r CancelRequest) validate() error {
	verr := &ValidationError{}
	switch r.Mode {
	case CancelAll:
		if !r.From.IsZero() || r.FromDate != nil {
			verr.Add("from_date", "mode %q takes no cutoff", CancelAll)
		}
	case CancelFuture:
		if !r.From.IsZero() && r.FromDate != nil {
			verr.Add("from_date", "give either an instant or a date, not both")
		}
	default:
		verr.Add("mode", "must be one of all, future")
	}
	return verr.OrNil()
}

// CancelSeries cancels a series in one session. Already cancelled and
// completed occurrences are never candidates, so repeating a cancellation
// changes nothing and cancels zero occurrences.
func (s *Service) CancelSeries(ctx context.Context, id uuid.UUID, req CancelRequest) (*CancelResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var out *CancelResult
	err := s.inSession(ctx, func(sess Session) error {
		series, err := loadSeries(ctx, sess, id, req.IfVersion)
		if err != nil {
			return err
		}
		occs, err := sess.Occurrences().ListBySeries(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		before, beforeReason := series.Status, series.CancellationReason
		var cancelled []*Occurrence
		switch req.Mode {
		case CancelAll:
			cancelled = cancelWhole(series, occs, req.Reason, now)
		case CancelFuture:
			cutoff := now
			if !req.From.IsZero() {
				cutoff = req.From
			} else if req.FromDate != nil {
				cutoff = req.FromDate.At(0, 0, series.Location())
			}
			cancelled = cancelAfter(series, occs, cutoff, req.Reason, now)
		}

		for _, o := range cancelled {
			if err := sess.Occurrences().Update(ctx, o); err != nil {
				return err
			}
		}
		if len(cancelled) > 0 || series.Status != before {
			series.UpdatedAt = now
			if err := sess.Series().Update(ctx, series); err != nil {
				return err
			}
		} else {
			// Nothing is written, so report the stored reason.
			series.CancellationReason = beforeReason
		}
		out = &CancelResult{Series: series, CancelledCount: len(cancelled)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("series_id", id.String()).
		Str("mode", string(req.Mode)).
		Int("cancelled", out.CancelledCount).
		Msg("series cancelled")
	return out, nil
}

// cancelAfter cancels the scheduled occurrences starting at or after
// cutoff and records their dates as exceptions. A cutoff on or before the
// first occurrence cancels the series entirely.
func cancelAfter(series *Series, occs []*Occurrence, cutoff time.Time, reason string, now time.Time) []*Occurrence {
	whole := len(occs) == 0 || !cutoff.After(occs[0].StartTime)
	switch {
	case whole:
		series.Status = SeriesCancelled
	case series.Status != SeriesCancelled:
		series.Status = SeriesPartiallyCancelled
	}
	if reason != "" {
		series.CancellationReason = &reason
	}

	var cancelled []*Occurrence
	for _, o := range occs {
		if o.Status != OccurrenceScheduled || o.StartTime.Before(cutoff) {
			continue
		}
		o.cancel(reason, now)
		series.AddException(o.NominalDate)
		cancelled = append(cancelled, o)
	}
	return cancelled
}
