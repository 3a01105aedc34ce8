package scheduling

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/careseries/internal/platform/calendar"
)

func newSQLiteService(t *testing.T, path string) *Service {
	t.Helper()
	st, err := OpenSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, holidayMap{"US": {date(2025, 1, 20)}}, Options{
		DefaultJurisdiction: "US",
		Logger:              zerolog.Nop(),
		Now:                 func() time.Time { return testNow },
	})
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newSQLiteService(t, ":memory:")

	def := weeklyMondays()
	def.SkipHolidays = true
	def.Notes = "physio"
	created, err := svc.CreateSeries(ctx, def)
	require.NoError(t, err)
	require.Len(t, created.Occurrences, 3)

	got, err := svc.GetSeries(ctx, created.Series.ID, GetOptions{ExpandOccurrences: true})
	require.NoError(t, err)
	s := got.Series
	assert.Equal(t, Weekly{Day: time.Monday}, s.Rule)
	assert.Equal(t, TimeOfDay{Hour: 10}, s.TimeOfDay)
	assert.Equal(t, date(2025, 1, 6), s.StartDate)
	assert.Equal(t, date(2025, 1, 27), s.EndDate)
	assert.Equal(t, []calendar.Date{date(2025, 1, 20)}, s.Exceptions)
	assert.Equal(t, created.Series.OccurrenceRefs, s.OccurrenceRefs)
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, "physio", s.Notes)
	assert.True(t, s.CreatedAt.Equal(testNow))

	require.Len(t, got.Occurrences, 3)
	for i, o := range got.Occurrences {
		want := created.Occurrences[i]
		assert.Equal(t, want.ID, o.ID)
		assert.Equal(t, i+1, o.Position)
		assert.True(t, o.StartTime.Equal(want.StartTime), "start of %d", o.Position)
		assert.True(t, o.EndTime.Equal(want.EndTime), "end of %d", o.Position)
		assert.Equal(t, want.NominalDate, o.NominalDate)
		require.NotNil(t, o.SeriesID)
		assert.Equal(t, s.ID, *o.SeriesID)
	}

	upd, err := svc.UpdateSeries(ctx, s.ID, UpdateRequest{
		Mode:      UpdateThis,
		Position:  2,
		Patch:     Patch{Status: mo.Some(OccurrenceCancelled), Reason: "flu"},
		IfVersion: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, upd.Series.Version)

	_, err = svc.UpdateSeries(ctx, s.ID, UpdateRequest{
		Mode:      UpdateAll,
		Patch:     Patch{Notes: mo.Some("stale")},
		IfVersion: 2,
	})
	assert.True(t, errors.Is(err, ErrConflict), "expected conflict, got %v", err)

	got, err = svc.GetSeries(ctx, s.ID, GetOptions{ExpandOccurrences: true})
	require.NoError(t, err)
	assert.Equal(t, OccurrenceCancelled, got.Occurrences[1].Status)
	require.NotNil(t, got.Occurrences[1].CancellationReason)
	assert.Equal(t, "flu", *got.Occurrences[1].CancellationReason)
	assert.True(t, got.Occurrences[1].IsModified)
	assert.Equal(t, "physio", got.Series.Notes)

	res, err := svc.CancelSeries(ctx, s.ID, CancelRequest{Mode: CancelAll, Reason: "done"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CancelledCount)
	assert.Equal(t, SeriesCancelled, res.Series.Status)
}

func TestSQLiteStore_OverlapAndList(t *testing.T) {
	ctx := context.Background()
	svc := newSQLiteService(t, filepath.Join(t.TempDir(), "series.db"))

	first, err := svc.CreateSeries(ctx, weeklyMondays())
	require.NoError(t, err)

	// Same provider, same slot, other patient: every Monday is taken.
	clash := weeklyMondays()
	clash.PatientID = uuid.New()
	_, err = svc.CreateSeries(ctx, clash)
	assert.True(t, errors.Is(err, ErrValidation), "expected no bookable occurrence, got %v", err)

	// Other provider is free.
	clash.ProviderID = uuid.New()
	_, err = svc.CreateSeries(ctx, clash)
	require.NoError(t, err)

	items, total, err := svc.ListSeriesForPatient(ctx, testPatient, SeriesFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, first.Series.ID, items[0].ID)

	items, total, err = svc.ListSeriesForPatient(ctx, testPatient, SeriesFilter{Status: SeriesCancelled})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestSQLiteStore_RollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	st, err := OpenSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	sess, err := st.Begin(ctx)
	require.NoError(t, err)
	s, err := weeklyMondays().Series(Limits{DefaultJurisdiction: "US"})
	require.NoError(t, err)
	s.ID = uuid.New()
	s.CreatedAt, s.UpdatedAt = testNow, testNow
	require.NoError(t, sess.Series().Create(ctx, s))
	require.NoError(t, sess.Rollback(ctx))
	require.NoError(t, sess.Rollback(ctx), "second rollback is a no-op")

	sess, err = st.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback(ctx)
	_, err = sess.Series().GetByID(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
}
