package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careseries/internal/platform/calendar"
	"github.com/ehr/careseries/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// pgStore opens one pgx transaction per session, on the tenant connection
// of the request when there is one.
type pgStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) Store { return &pgStore{pool: pool} }

func (s *pgStore) Begin(ctx context.Context) (Session, error) {
	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	return &pgSession{tx: tx}, nil
}

type pgSession struct{ tx pgx.Tx }

func (s *pgSession) Series() SeriesRepository          { return &seriesRepoPG{q: s.tx} }
func (s *pgSession) Occurrences() OccurrenceRepository { return &occurrenceRepoPG{q: s.tx} }
func (s *pgSession) Commit(ctx context.Context) error  { return s.tx.Commit(ctx) }
func (s *pgSession) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// =========== Series Repository ===========

type seriesRepoPG struct{ q queryable }

const seriesCols = `id, patient_id, provider_id, appointment_type_id,
	frequency, day_of_week, day_of_month, use_same_weekday_of_month, custom_interval_days,
	time_of_day, timezone, start_date, end_date, occurrence_count, duration_minutes,
	skip_holidays, auto_reschedule, reschedule_window_days, jurisdiction, notes,
	status, exceptions, occurrence_refs, cancellation_reason, version, created_at, updated_at`

func (r *seriesRepoPG) scanSeries(row pgx.Row) (*Series, error) {
	var (
		s          Series
		spec       RuleSpec
		tod        string
		start, end time.Time
		exceptions []time.Time
	)
	err := row.Scan(&s.ID, &s.PatientID, &s.ProviderID, &s.AppointmentTypeID,
		&spec.Frequency, &spec.DayOfWeek, &spec.DayOfMonth, &spec.UseSameWeekdayOfMonth, &spec.CustomIntervalDays,
		&tod, &s.Timezone, &start, &end, &s.OccurrenceCount, &s.DurationMinutes,
		&s.SkipHolidays, &s.AutoReschedule, &s.RescheduleWindowDays, &s.Jurisdiction, &s.Notes,
		&s.Status, &exceptions, &s.OccurrenceRefs, &s.CancellationReason, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return hydrateSeries(&s, spec, tod, start, end, exceptions)
}

// hydrateSeries finishes a scanned row: rule, time of day and dates.
func hydrateSeries(s *Series, spec RuleSpec, tod string, start, end time.Time, exceptions []time.Time) (*Series, error) {
	verr := &ValidationError{}
	if s.Rule = spec.Rule(verr); s.Rule == nil {
		return nil, fmt.Errorf("stored series %s has an invalid rule: %w", s.ID, verr)
	}
	t, err := ParseTimeOfDay(tod)
	if err != nil {
		return nil, fmt.Errorf("stored series %s: %w", s.ID, err)
	}
	s.TimeOfDay = t
	s.StartDate = calendar.DateOf(start)
	s.EndDate = calendar.DateOf(end)
	s.Exceptions = make([]calendar.Date, 0, len(exceptions))
	for _, e := range exceptions {
		s.Exceptions = append(s.Exceptions, calendar.DateOf(e))
	}
	if s.OccurrenceRefs == nil {
		s.OccurrenceRefs = []uuid.UUID{}
	}
	return s, nil
}

func dateTimes(dates []calendar.Date) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Midnight())
	}
	return out
}

func (r *seriesRepoPG) Create(ctx context.Context, s *Series) error {
	spec := SpecOf(s.Rule)
	s.Version = 1
	_, err := r.q.Exec(ctx, `
		INSERT INTO recurring_series (id, patient_id, provider_id, appointment_type_id,
			frequency, day_of_week, day_of_month, use_same_weekday_of_month, custom_interval_days,
			time_of_day, timezone, start_date, end_date, occurrence_count, duration_minutes,
			skip_holidays, auto_reschedule, reschedule_window_days, jurisdiction, notes,
			status, exceptions, occurrence_refs, cancellation_reason, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		s.ID, s.PatientID, s.ProviderID, s.AppointmentTypeID,
		spec.Frequency, spec.DayOfWeek, spec.DayOfMonth, spec.UseSameWeekdayOfMonth, spec.CustomIntervalDays,
		s.TimeOfDay.String(), s.Timezone, s.StartDate.Midnight(), s.EndDate.Midnight(), s.OccurrenceCount, s.DurationMinutes,
		s.SkipHolidays, s.AutoReschedule, s.RescheduleWindowDays, s.Jurisdiction, s.Notes,
		s.Status, dateTimes(s.Exceptions), s.OccurrenceRefs, s.CancellationReason, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *seriesRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Series, error) {
	s, err := r.scanSeries(r.q.QueryRow(ctx, `SELECT `+seriesCols+` FROM recurring_series WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("series %s", id)
	}
	return s, err
}

func (r *seriesRepoPG) Update(ctx context.Context, s *Series) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE recurring_series SET notes=$3, status=$4, exceptions=$5, occurrence_refs=$6,
			cancellation_reason=$7, updated_at=$8, version = version + 1
		WHERE id = $1 AND version = $2`,
		s.ID, s.Version, s.Notes, s.Status, dateTimes(s.Exceptions), s.OccurrenceRefs,
		s.CancellationReason, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: series %s version %d", ErrConflict, s.ID, s.Version)
	}
	s.Version++
	return nil
}

func (r *seriesRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f SeriesFilter) ([]*Series, int, error) {
	where := ` FROM recurring_series WHERE patient_id = $1`
	args := []interface{}{patientID}
	idx := 2

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.ProviderID != nil {
		where += fmt.Sprintf(` AND provider_id = $%d`, idx)
		args = append(args, *f.ProviderID)
		idx++
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + seriesCols + where + fmt.Sprintf(` ORDER BY start_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limitOrAll(f.Limit), f.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Series
	for rows.Next() {
		s, err := r.scanSeries(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// limitOrAll maps a zero limit to a bound no page reaches.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

// =========== Occurrence Repository ===========

type occurrenceRepoPG struct{ q queryable }

const occurrenceCols = `id, series_id, patient_id, provider_id, position, nominal_date,
	start_time, end_time, status, is_modified, rescheduled, notes, cancellation_reason,
	created_at, updated_at`

func (r *occurrenceRepoPG) scanOccurrence(row pgx.Row) (*Occurrence, error) {
	var (
		o       Occurrence
		nominal time.Time
	)
	err := row.Scan(&o.ID, &o.SeriesID, &o.PatientID, &o.ProviderID, &o.Position, &nominal,
		&o.StartTime, &o.EndTime, &o.Status, &o.IsModified, &o.Rescheduled, &o.Notes, &o.CancellationReason,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.NominalDate = calendar.DateOf(nominal)
	return &o, nil
}

// CreateBatch inserts all occurrences in one round trip.
func (r *occurrenceRepoPG) CreateBatch(ctx context.Context, occs []*Occurrence) error {
	batch := &pgx.Batch{}
	for _, o := range occs {
		batch.Queue(`
			INSERT INTO series_occurrence (id, series_id, patient_id, provider_id, position, nominal_date,
				start_time, end_time, status, is_modified, rescheduled, notes, cancellation_reason,
				created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			o.ID, o.SeriesID, o.PatientID, o.ProviderID, o.Position, o.NominalDate.Midnight(),
			o.StartTime, o.EndTime, o.Status, o.IsModified, o.Rescheduled, o.Notes, o.CancellationReason,
			o.CreatedAt, o.UpdatedAt)
	}
	return r.q.SendBatch(ctx, batch).Close()
}

func (r *occurrenceRepoPG) Update(ctx context.Context, o *Occurrence) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE series_occurrence SET start_time=$2, end_time=$3, status=$4, is_modified=$5,
			rescheduled=$6, notes=$7, cancellation_reason=$8, updated_at=$9
		WHERE id = $1`,
		o.ID, o.StartTime, o.EndTime, o.Status, o.IsModified,
		o.Rescheduled, o.Notes, o.CancellationReason, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("occurrence %s", o.ID)
	}
	return nil
}

func (r *occurrenceRepoPG) ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Occurrence, error) {
	rows, err := r.q.Query(ctx, `SELECT `+occurrenceCols+` FROM series_occurrence WHERE series_id = $1 ORDER BY position`, seriesID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *occurrenceRepoPG) ListOverlapping(ctx context.Context, providerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Occurrence, error) {
	rows, err := r.q.Query(ctx, `SELECT `+occurrenceCols+` FROM series_occurrence
		WHERE provider_id = $1 AND status = $2 AND start_time < $4 AND end_time > $3 AND id <> $5
		ORDER BY start_time`,
		providerID, OccurrenceScheduled, start, end, exclude)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *occurrenceRepoPG) collect(rows pgx.Rows) ([]*Occurrence, error) {
	defer rows.Close()
	var items []*Occurrence
	for rows.Next() {
		o, err := r.scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
