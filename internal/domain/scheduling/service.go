package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	MaxOccurrences      int
	DefaultJurisdiction string
	// Availability is consulted after the store's own booking check, e.g.
	// a provider's external calendar.
	Availability AvailabilityChecker
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Service is the series lifecycle manager. Every public operation runs in
// exactly one store session.
type Service struct {
	store    Store
	holidays HolidayCalendar
	external AvailabilityChecker
	gen      *Generator
	limits   Limits
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, holidays HolidayCalendar, opts Options) *Service {
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}
	if opts.DefaultJurisdiction == "" {
		opts.DefaultJurisdiction = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		holidays: holidays,
		external: opts.Availability,
		gen:      NewGenerator(opts.MaxOccurrences, opts.Logger),
		limits:   Limits{MaxOccurrences: opts.MaxOccurrences, DefaultJurisdiction: opts.DefaultJurisdiction},
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// inSession runs fn in a new session and commits it. Any error, panic or
// context cancellation rolls the session back; the error is returned as is.
func (s *Service) inSession(ctx context.Context, fn func(Session) error) (err error) {
	sess, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sess.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err = fn(sess); err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if rbErr := sess.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("session rollback failed")
		}
		return err
	}
	return sess.Commit(ctx)
}

// readOnly runs fn in a session that is always rolled back.
func (s *Service) readOnly(ctx context.Context, fn func(Session) error) error {
	sess, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer func() { _ = sess.Rollback(context.WithoutCancel(ctx)) }()
	return fn(sess)
}

func (s *Service) availability(sess Session, exclude uuid.UUID) AvailabilityChecker {
	return bookingChecker{occs: sess.Occurrences(), exclude: exclude, external: s.external}
}

// holidaySet fetches the holidays a run over series may consult: the
// series range plus the reschedule window. Nothing is fetched when neither
// policy needs them.
func (s *Service) holidaySet(ctx context.Context, series *Series) (calendar.Set, error) {
	if s.holidays == nil || (!series.SkipHolidays && !series.AutoReschedule) {
		return calendar.NewSet(), nil
	}
	end := calendar.AddDays(series.EndDate, series.RescheduleWindowDays)
	dates, err := s.holidays.HolidaysInRange(ctx, series.StartDate, end, series.Jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("fetch holidays: %w", err)
	}
	return calendar.NewSet(dates...), nil
}

// CreateSeries validates def, persists the series, generates and persists
// its occurrences and back-fills the occurrence references, all in one
// session. Dates skipped as holidays are recorded as exceptions so a later
// regeneration reproduces the same result.
func (s *Service) CreateSeries(ctx context.Context, def Definition) (*SeriesWithOccurrences, error) {
	series, err := def.Series(s.limits)
	if err != nil {
		return nil, err
	}
	holidays, err := s.holidaySet(ctx, series)
	if err != nil {
		return nil, err
	}

	var out *SeriesWithOccurrences
	err = s.inSession(ctx, func(sess Session) error {
		now := s.now()
		series.ID = uuid.New()
		series.CreatedAt, series.UpdatedAt = now, now
		if err := sess.Series().Create(ctx, series); err != nil {
			return fmt.Errorf("create series: %w", err)
		}

		res, err := s.gen.Generate(ctx, series, holidays, s.availability(sess, uuid.Nil))
		if err != nil {
			return err
		}
		if len(res.Occurrences) == 0 {
			return invalid("start_date", "no bookable occurrence between %s and %s", series.StartDate, series.EndDate)
		}
		for _, o := range res.Occurrences {
			o.CreatedAt, o.UpdatedAt = now, now
		}
		if err := sess.Occurrences().CreateBatch(ctx, res.Occurrences); err != nil {
			return fmt.Errorf("create occurrences: %w", err)
		}

		for _, d := range res.HolidaySkips() {
			series.AddException(d)
		}
		series.OccurrenceRefs = make([]uuid.UUID, 0, len(res.Occurrences))
		for _, o := range res.Occurrences {
			series.OccurrenceRefs = append(series.OccurrenceRefs, o.ID)
		}
		if err := sess.Series().Update(ctx, series); err != nil {
			return fmt.Errorf("update series references: %w", err)
		}
		out = &SeriesWithOccurrences{Series: series, Occurrences: res.Occurrences}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("series_id", series.ID.String()).
		Str("patient_id", series.PatientID.String()).
		Int("occurrences", len(out.Occurrences)).
		Msg("series created")
	return out, nil
}

// PreviewSeries runs validation and generation for def against the
// current bookings without writing anything.
func (s *Service) PreviewSeries(ctx context.Context, def Definition) (*Series, *GenerationResult, error) {
	series, err := def.Series(s.limits)
	if err != nil {
		return nil, nil, err
	}
	holidays, err := s.holidaySet(ctx, series)
	if err != nil {
		return nil, nil, err
	}
	var res *GenerationResult
	err = s.readOnly(ctx, func(sess Session) error {
		res, err = s.gen.Generate(ctx, series, holidays, s.availability(sess, uuid.Nil))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return series, res, nil
}

func (s *Service) GetSeries(ctx context.Context, id uuid.UUID, opts GetOptions) (*SeriesWithOccurrences, error) {
	var out *SeriesWithOccurrences
	err := s.readOnly(ctx, func(sess Session) error {
		series, err := sess.Series().GetByID(ctx, id)
		if err != nil {
			return err
		}
		out = &SeriesWithOccurrences{Series: series}
		if opts.ExpandOccurrences {
			out.Occurrences, err = sess.Occurrences().ListBySeries(ctx, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListSeriesForPatient(ctx context.Context, patientID uuid.UUID, f SeriesFilter) ([]*Series, int, error) {
	switch f.Status {
	case "", SeriesActive, SeriesCancelled, SeriesPartiallyCancelled:
	default:
		return nil, 0, invalid("status", "unknown series status %q", f.Status)
	}
	var (
		items []*Series
		total int
	)
	err := s.readOnly(ctx, func(sess Session) error {
		var err error
		items, total, err = sess.Series().ListByPatient(ctx, patientID, f)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// loadSeries reads a series and asserts the caller's expected version.
func loadSeries(ctx context.Context, sess Session, id uuid.UUID, ifVersion int) (*Series, error) {
	series, err := sess.Series().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ifVersion > 0 && series.Version != ifVersion {
		return nil, fmt.Errorf("%w: series %s is at version %d, not %d", ErrConflict, id, series.Version, ifVersion)
	}
	return series, nil
}
