package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// UpdateMode selects how far an edit propagates across a series.
type UpdateMode string

const (
	UpdateThis          UpdateMode = "this"
	UpdateThisAndFuture UpdateMode = "thisAndFuture"
	UpdateAll           UpdateMode = "all"
)

// Patch is the closed set of updatable fields. Modes all and thisAndFuture
// accept Notes and Status (cancelled only); mode this additionally accepts
// StartTime and any occurrence status. Reason accompanies a cancellation.
type Patch struct {
	Notes     mo.Option[string]
	Status    mo.Option[OccurrenceStatus]
	StartTime mo.Option[time.Time]
	Reason    string
}

func (p Patch) empty() bool {
	return !p.Notes.IsPresent() && !p.Status.IsPresent() && !p.StartTime.IsPresent()
}

func (p Patch) cancels() bool {
	st, ok := p.Status.Get()
	return ok && st == OccurrenceCancelled
}

// UpdateRequest targets an occurrence by Position or Date. Mode this
// matches the exact calendar date; mode thisAndFuture picks the first
// occurrence starting on or after it. Mode all takes no target.
type UpdateRequest struct {
	Mode      UpdateMode
	Position  int
	Date      mo.Option[calendar.Date]
	Patch     Patch
	IfVersion int
}

type UpdateResult struct {
	Series             *Series       `json:"series"`
	UpdatedOccurrences []*Occurrence `json:"updated_occurrences"`
}

func (r UpdateRequest) validate() error {
	verr := &ValidationError{}
	if r.Patch.empty() {
		verr.Add("patch", "no updatable field given")
	}
	hasTarget := r.Position > 0 || r.Date.IsPresent()
	if r.Position < 0 {
		verr.Add("position", "must be positive")
	}

	switch r.Mode {
	case UpdateAll, UpdateThisAndFuture:
		if r.Patch.StartTime.IsPresent() {
			verr.Add("start_time", "only mode %q may move an occurrence", UpdateThis)
		}
		if st, ok := r.Patch.Status.Get(); ok && st != OccurrenceCancelled {
			verr.Add("status", "mode %q only accepts status %q", r.Mode, OccurrenceCancelled)
		}
		if r.Mode == UpdateAll && hasTarget {
			verr.Add("target", "mode %q takes no target occurrence", UpdateAll)
		}
		if r.Mode == UpdateThisAndFuture && !hasTarget {
			verr.Add("target", "position or date is required")
		}
	case UpdateThis:
		if st, ok := r.Patch.Status.Get(); ok && !st.valid() {
			verr.Add("status", "unknown occurrence status %q", st)
		}
		if !hasTarget {
			verr.Add("target", "position or date is required")
		}
	default:
		verr.Add("mode", "must be one of this, thisAndFuture, all")
	}
	if r.Position > 0 && r.Date.IsPresent() {
		verr.Add("target", "give either position or date, not both")
	}
	return verr.OrNil()
}

// UpdateSeries applies req to a series inside one session. The series
// version is bumped by every successful update.
func (s *Service) UpdateSeries(ctx context.Context, id uuid.UUID, req UpdateRequest) (*UpdateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var out *UpdateResult
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
		var updated []*Occurrence
		switch req.Mode {
		case UpdateAll:
			updated = s.applyAll(series, occs, req.Patch, now)
		case UpdateThisAndFuture:
			updated, err = s.applyThisAndFuture(series, occs, req, now)
		case UpdateThis:
			updated, err = s.applyThis(ctx, sess, series, occs, req, now)
		default:
			err = invalid("mode", "unsupported update mode %q", req.Mode)
		}
		if err != nil {
			return err
		}

		for _, o := range updated {
			if err := sess.Occurrences().Update(ctx, o); err != nil {
				return fmt.Errorf("update occurrence %d: %w", o.Position, err)
			}
		}
		series.UpdatedAt = now
		if err := sess.Series().Update(ctx, series); err != nil {
			return err
		}
		if updated == nil {
			updated = []*Occurrence{}
		}
		out = &UpdateResult{Series: series, UpdatedOccurrences: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("series_id", id.String()).
		Str("mode", string(req.Mode)).
		Int("updated", len(out.UpdatedOccurrences)).
		Msg("series updated")
	return out, nil
}

// applyAll patches the series and every occurrence starting after now. A
// cancellation cancels the whole series and its future scheduled
// occurrences.
func (s *Service) applyAll(series *Series, occs []*Occurrence, p Patch, now time.Time) []*Occurrence {
	if p.cancels() {
		return cancelWhole(series, occs, p.Reason, now)
	}
	notes, _ := p.Notes.Get()
	series.Notes = notes
	var updated []*Occurrence
	for _, o := range occs {
		if o.StartTime.After(now) {
			o.Notes = notes
			o.UpdatedAt = now
			updated = append(updated, o)
		}
	}
	return updated
}

func (s *Service) applyThisAndFuture(series *Series, occs []*Occurrence, req UpdateRequest, now time.Time) ([]*Occurrence, error) {
	target, err := resolveFrom(series, occs, req)
	if err != nil {
		return nil, err
	}

	if req.Patch.cancels() {
		if target.Position == occs[0].Position {
			return cancelWhole(series, occs, req.Patch.Reason, now), nil
		}
		return cancelFrom(series, occs, target.Position, req.Patch.Reason, now), nil
	}

	notes, _ := req.Patch.Notes.Get()
	series.Notes = notes
	var updated []*Occurrence
	for _, o := range occs {
		if o.Position >= target.Position {
			o.Notes = notes
			o.UpdatedAt = now
			updated = append(updated, o)
		}
	}
	return updated, nil
}

// applyThis patches exactly one active occurrence and marks it modified
// so the pattern never recomputes it again.
func (s *Service) applyThis(ctx context.Context, sess Session, series *Series, occs []*Occurrence, req UpdateRequest, now time.Time) ([]*Occurrence, error) {
	target, err := resolveExact(series, occs, req)
	if err != nil {
		return nil, err
	}
	p := req.Patch
	if err := checkReopen(series, p); err != nil {
		return nil, err
	}

	if start, ok := p.StartTime.Get(); ok {
		end := start.Add(target.EndTime.Sub(target.StartTime))
		free, err := s.availability(sess, target.ID).IsSlotFree(ctx, target.ProviderID, start, end)
		if err != nil {
			return nil, err
		}
		if !free {
			return nil, invalid("start_time", "provider is not available at %s", start.Format(time.RFC3339))
		}
		target.StartTime, target.EndTime = start, end
	}
	if notes, ok := p.Notes.Get(); ok {
		target.Notes = notes
	}
	if st, ok := p.Status.Get(); ok {
		if st == OccurrenceCancelled {
			target.cancel(p.Reason, now)
			series.AddException(target.NominalDate)
		} else {
			target.Status = st
		}
	}
	target.IsModified = true
	target.UpdatedAt = now
	return []*Occurrence{target}, nil
}

// checkReopen rejects patches that would put a booking of a cancelled
// series back on the calendar.
func checkReopen(series *Series, p Patch) error {
	if series.Status != SeriesCancelled {
		return nil
	}
	verr := &ValidationError{}
	if st, ok := p.Status.Get(); ok && st == OccurrenceScheduled {
		verr.Add("status", "series is cancelled; occurrences cannot be rescheduled")
	}
	if p.StartTime.IsPresent() {
		verr.Add("start_time", "series is cancelled; occurrences cannot be moved")
	}
	return verr.OrNil()
}

// resolveFrom finds the first occurrence of a thisAndFuture update.
func resolveFrom(series *Series, occs []*Occurrence, req UpdateRequest) (*Occurrence, error) {
	if len(occs) == 0 {
		return nil, notFound("series %s has no occurrences", series.ID)
	}
	if d, ok := req.Date.Get(); ok {
		from := d.At(0, 0, series.Location())
		for _, o := range occs {
			if !o.StartTime.Before(from) {
				return o, nil
			}
		}
		return nil, notFound("no occurrence on or after %s", d)
	}
	for _, o := range occs {
		if o.Position == req.Position {
			return o, nil
		}
	}
	return nil, notFound("no occurrence at position %d", req.Position)
}

// resolveExact finds the single active occurrence of a this update.
func resolveExact(series *Series, occs []*Occurrence, req UpdateRequest) (*Occurrence, error) {
	d, byDate := req.Date.Get()
	for _, o := range occs {
		if !o.Active() {
			continue
		}
		if byDate && series.DateOf(o.StartTime) == d {
			return o, nil
		}
		if !byDate && o.Position == req.Position {
			return o, nil
		}
	}
	if byDate {
		return nil, notFound("no active occurrence on %s", d)
	}
	return nil, notFound("no active occurrence at position %d", req.Position)
}

// cancelWhole cancels the series and its scheduled occurrences that start
// after now. Past and completed occurrences are untouched.
func cancelWhole(series *Series, occs []*Occurrence, reason string, now time.Time) []*Occurrence {
	series.Status = SeriesCancelled
	if reason != "" {
		series.CancellationReason = &reason
	}
	var cancelled []*Occurrence
	for _, o := range occs {
		if o.Status == OccurrenceScheduled && o.StartTime.After(now) {
			o.cancel(reason, now)
			cancelled = append(cancelled, o)
		}
	}
	return cancelled
}

// cancelFrom cancels the scheduled occurrences at or after position and
// records their dates as exceptions.
func cancelFrom(series *Series, occs []*Occurrence, position int, reason string, now time.Time) []*Occurrence {
	if series.Status != SeriesCancelled {
		series.Status = SeriesPartiallyCancelled
	}
	if reason != "" {
		series.CancellationReason = &reason
	}
	var cancelled []*Occurrence
	for _, o := range occs {
		if o.Position >= position && o.Status == OccurrenceScheduled {
			o.cancel(reason, now)
			series.AddException(o.NominalDate)
			cancelled = append(cancelled, o)
		}
	}
	return cancelled
}
