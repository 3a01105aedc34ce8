package scheduling

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ehr/careseries/internal/platform/calendar"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqliteTimeLayout sorts lexically in chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps series in a single SQLite file. Writers are
// serialized by the single open connection.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies the embedded schema. Use ":memory:" for a throwaway store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Begin(ctx context.Context) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteSession{tx: tx}, nil
}

type sqliteSession struct{ tx *sql.Tx }

func (s *sqliteSession) Series() SeriesRepository          { return &seriesRepoSQLite{tx: s.tx} }
func (s *sqliteSession) Occurrences() OccurrenceRepository { return &occurrenceRepoSQLite{tx: s.tx} }
func (s *sqliteSession) Commit(context.Context) error      { return s.tx.Commit() }
func (s *sqliteSession) Rollback(context.Context) error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(sqliteTimeLayout, s) }

// =========== Series Repository ===========

type seriesRepoSQLite struct{ tx *sql.Tx }

func (r *seriesRepoSQLite) scanSeries(row interface{ Scan(...interface{}) error }) (*Series, error) {
	var (
		s                    Series
		spec                 RuleSpec
		tod, start, end      string
		exceptions, refs     string
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.PatientID, &s.ProviderID, &s.AppointmentTypeID,
		&spec.Frequency, &spec.DayOfWeek, &spec.DayOfMonth, &spec.UseSameWeekdayOfMonth, &spec.CustomIntervalDays,
		&tod, &s.Timezone, &start, &end, &s.OccurrenceCount, &s.DurationMinutes,
		&s.SkipHolidays, &s.AutoReschedule, &s.RescheduleWindowDays, &s.Jurisdiction, &s.Notes,
		&s.Status, &exceptions, &refs, &s.CancellationReason, &s.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var dates []calendar.Date
	if err := json.Unmarshal([]byte(exceptions), &dates); err != nil {
		return nil, fmt.Errorf("decode exceptions of series %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(refs), &s.OccurrenceRefs); err != nil {
		return nil, fmt.Errorf("decode occurrence refs of series %s: %w", s.ID, err)
	}
	sd, err1 := calendar.ParseDate(start)
	ed, err2 := calendar.ParseDate(end)
	ca, err3 := parseTime(createdAt)
	ua, err4 := parseTime(updatedAt)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", s.ID, err)
	}
	s.CreatedAt, s.UpdatedAt = ca, ua

	exc := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		exc = append(exc, d.Midnight())
	}
	return hydrateSeries(&s, spec, tod, sd.Midnight(), ed.Midnight(), exc)
}

func marshalDates(dates []calendar.Date) string {
	if dates == nil {
		dates = []calendar.Date{}
	}
	b, _ := json.Marshal(dates)
	return string(b)
}

func marshalRefs(refs []uuid.UUID) string {
	if refs == nil {
		refs = []uuid.UUID{}
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

func (r *seriesRepoSQLite) Create(ctx context.Context, s *Series) error {
	spec := SpecOf(s.Rule)
	s.Version = 1
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO recurring_series (id, patient_id, provider_id, appointment_type_id,
			frequency, day_of_week, day_of_month, use_same_weekday_of_month, custom_interval_days,
			time_of_day, timezone, start_date, end_date, occurrence_count, duration_minutes,
			skip_holidays, auto_reschedule, reschedule_window_days, jurisdiction, notes,
			status, exceptions, occurrence_refs, cancellation_reason, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.PatientID, s.ProviderID, s.AppointmentTypeID,
		string(spec.Frequency), spec.DayOfWeek, spec.DayOfMonth, spec.UseSameWeekdayOfMonth, spec.CustomIntervalDays,
		s.TimeOfDay.String(), s.Timezone, s.StartDate.String(), s.EndDate.String(), s.OccurrenceCount, s.DurationMinutes,
		s.SkipHolidays, s.AutoReschedule, s.RescheduleWindowDays, s.Jurisdiction, s.Notes,
		string(s.Status), marshalDates(s.Exceptions), marshalRefs(s.OccurrenceRefs), s.CancellationReason, s.Version,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func (r *seriesRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Series, error) {
	s, err := r.scanSeries(r.tx.QueryRowContext(ctx, `SELECT `+seriesCols+` FROM recurring_series WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("series %s", id)
	}
	return s, err
}

func (r *seriesRepoSQLite) Update(ctx context.Context, s *Series) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE recurring_series SET notes=?, status=?, exceptions=?, occurrence_refs=?,
			cancellation_reason=?, updated_at=?, version = version + 1
		WHERE id = ? AND version = ?`,
		s.Notes, string(s.Status), marshalDates(s.Exceptions), marshalRefs(s.OccurrenceRefs),
		s.CancellationReason, formatTime(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: series %s version %d", ErrConflict, s.ID, s.Version)
	}
	s.Version++
	return nil
}

func (r *seriesRepoSQLite) ListByPatient(ctx context.Context, patientID uuid.UUID, f SeriesFilter) ([]*Series, int, error) {
	where := ` FROM recurring_series WHERE patient_id = ?`
	args := []interface{}{patientID}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ProviderID != nil {
		where += ` AND provider_id = ?`
		args = append(args, *f.ProviderID)
	}

	var total int
	if err := r.tx.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.tx.QueryContext(ctx, `SELECT `+seriesCols+where+` ORDER BY start_date DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limitOrAll(f.Limit), f.Offset)...)
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

// =========== Occurrence Repository ===========

type occurrenceRepoSQLite struct{ tx *sql.Tx }

func (r *occurrenceRepoSQLite) scanOccurrence(row interface{ Scan(...interface{}) error }) (*Occurrence, error) {
	var (
		o                                 Occurrence
		nominal, start, end, created, upd string
	)
	err := row.Scan(&o.ID, &o.SeriesID, &o.PatientID, &o.ProviderID, &o.Position, &nominal,
		&start, &end, &o.Status, &o.IsModified, &o.Rescheduled, &o.Notes, &o.CancellationReason,
		&created, &upd)
	if err != nil {
		return nil, err
	}
	var errs [5]error
	o.NominalDate, errs[0] = calendar.ParseDate(nominal)
	o.StartTime, errs[1] = parseTime(start)
	o.EndTime, errs[2] = parseTime(end)
	o.CreatedAt, errs[3] = parseTime(created)
	o.UpdatedAt, errs[4] = parseTime(upd)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("decode occurrence %s: %w", o.ID, err)
	}
	return &o, nil
}

func (r *occurrenceRepoSQLite) CreateBatch(ctx context.Context, occs []*Occurrence) error {
	stmt, err := r.tx.PrepareContext(ctx, `
		INSERT INTO series_occurrence (id, series_id, patient_id, provider_id, position, nominal_date,
			start_time, end_time, status, is_modified, rescheduled, notes, cancellation_reason,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, o := range occs {
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.SeriesID, o.PatientID, o.ProviderID, o.Position, o.NominalDate.String(),
			formatTime(o.StartTime), formatTime(o.EndTime), string(o.Status), o.IsModified, o.Rescheduled,
			o.Notes, o.CancellationReason, formatTime(o.CreatedAt), formatTime(o.UpdatedAt)); err != nil {
			return fmt.Errorf("insert occurrence %d: %w", o.Position, err)
		}
	}
	return nil
}

func (r *occurrenceRepoSQLite) Update(ctx context.Context, o *Occurrence) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE series_occurrence SET start_time=?, end_time=?, status=?, is_modified=?,
			rescheduled=?, notes=?, cancellation_reason=?, updated_at=?
		WHERE id = ?`,
		formatTime(o.StartTime), formatTime(o.EndTime), string(o.Status), o.IsModified,
		o.Rescheduled, o.Notes, o.CancellationReason, formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return notFound("occurrence %s", o.ID)
	}
	return nil
}

func (r *occurrenceRepoSQLite) ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Occurrence, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+occurrenceCols+` FROM series_occurrence WHERE series_id = ? ORDER BY position`, seriesID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *occurrenceRepoSQLite) ListOverlapping(ctx context.Context, providerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Occurrence, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+occurrenceCols+` FROM series_occurrence
		WHERE provider_id = ? AND status = ? AND start_time < ? AND end_time > ? AND id <> ?
		ORDER BY start_time`,
		providerID, string(OccurrenceScheduled), formatTime(end), formatTime(start), exclude)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *occurrenceRepoSQLite) collect(rows *sql.Rows) ([]*Occurrence, error) {
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
