package scheduling

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// nominalDates lists the pattern dates of s up to EndDate.
func nominalDates(s *Series) []calendar.Date {
	var out []calendar.Date
	for k := 0; ; k++ {
		d := s.Rule.Nominal(s.StartDate, k)
		if d.After(s.EndDate) {
			return out
		}
		out = append(out, d)
	}
}

func TestRecurrenceRule_MatchesNominalDates(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		start calendar.Date
		end   calendar.Date
	}{
		{"weekly", Weekly{Day: time.Thursday}, date(2025, 1, 6), date(2025, 6, 30)},
		{"biweekly", Biweekly{Day: time.Monday}, date(2025, 1, 1), date(2025, 12, 31)},
		{"monthly 15", MonthlyByDate{Day: 15}, date(2025, 1, 20), date(2026, 1, 31)},
		{"monthly 31", MonthlyByDate{Day: 31}, date(2024, 1, 1), date(2025, 12, 31)},
		{"monthly 29", MonthlyByDate{Day: 29}, date(2023, 1, 1), date(2024, 12, 31)},
		{"second friday", MonthlyByWeekday{}, date(2025, 1, 10), date(2025, 12, 31)},
		{"fifth thursday", MonthlyByWeekday{}, date(2025, 1, 30), date(2025, 12, 31)},
		{"custom 10", Custom{IntervalDays: 10}, date(2025, 2, 1), date(2025, 9, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSeries(tt.rule, tt.start, tt.end)
			s.Timezone = "Europe/Berlin"

			r, err := RecurrenceRule(s)
			require.NoError(t, err)

			var got []calendar.Date
			for _, inst := range r.All() {
				got = append(got, s.DateOf(inst))
				assert.Equal(t, 9, inst.In(s.Location()).Hour())
			}
			assert.Equal(t, nominalDates(s), got)
		})
	}
}

func TestRRuleString(t *testing.T) {
	s := testSeries(Biweekly{Day: time.Tuesday}, date(2025, 1, 6), date(2025, 6, 30))
	got, err := RRuleString(s)
	require.NoError(t, err)
	for _, part := range []string{"FREQ=WEEKLY", "INTERVAL=2", "BYDAY=TU", "UNTIL=20250630T093000Z"} {
		assert.Contains(t, got, part)
	}

	s = testSeries(MonthlyByDate{Day: 30}, date(2025, 1, 6), date(2025, 6, 30))
	got, err = RRuleString(s)
	require.NoError(t, err)
	assert.Contains(t, got, "FREQ=MONTHLY")
	assert.Contains(t, got, "BYSETPOS=-1")
}

func TestEncodeICS(t *testing.T) {
	svc := newTestService()
	created := mustCreate(t, svc, weeklyMondays())
	created.Occurrences[1].cancel("sick", testNow)

	var buf bytes.Buffer
	require.NoError(t, EncodeICS(&buf, created.Series, created.Occurrences))
	assert.True(t, strings.HasPrefix(buf.String(), "BEGIN:VCALENDAR"))

	cal, err := ical.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 4)

	first := events[0]
	assert.Equal(t, created.Occurrences[0].ID.String()+"@careseries", first.Props.Get(ical.PropUID).Value)
	assert.Equal(t, "CONFIRMED", first.Props.Get(ical.PropStatus).Value)
	assert.Equal(t, "2", first.Props.Get(ical.PropSequence).Value)
	start, err := first.DateTimeStart(time.UTC)
	require.NoError(t, err)
	assert.True(t, start.Equal(created.Occurrences[0].StartTime))

	assert.Equal(t, "CANCELLED", events[1].Props.Get(ical.PropStatus).Value)
}
