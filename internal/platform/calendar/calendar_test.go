package calendar

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDays(t *testing.T) {
	assert.Equal(t, Date{2024, time.March, 1}, AddDays(Date{2024, time.February, 28}, 2))
	assert.Equal(t, Date{2023, time.December, 31}, AddDays(Date{2024, time.January, 1}, -1))
	assert.Equal(t, Date{2024, time.January, 15}, AddDays(Date{2024, time.January, 1}, 14))
}

func TestAddMonths_Clamps(t *testing.T) {
	tests := []struct {
		name string
		from Date
		n    int
		day  int
		want Date
	}{
		{"leap february", Date{2024, time.January, 31}, 1, 31, Date{2024, time.February, 29}},
		{"plain february", Date{2023, time.January, 31}, 1, 31, Date{2023, time.February, 28}},
		{"back to 31", Date{2024, time.February, 29}, 1, 31, Date{2024, time.March, 31}},
		{"april", Date{2024, time.January, 31}, 3, 31, Date{2024, time.April, 30}},
		{"year wrap", Date{2024, time.November, 15}, 2, 15, Date{2025, time.January, 15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.from, tt.n, tt.day))
		})
	}
}

func TestWeekdayOrdinal(t *testing.T) {
	// 2024-10-15 is the third Tuesday of October 2024.
	assert.Equal(t, 3, WeekdayOrdinal(Date{2024, time.October, 15}))
	assert.Equal(t, 1, WeekdayOrdinal(Date{2024, time.October, 1}))
	assert.Equal(t, 5, WeekdayOrdinal(Date{2024, time.October, 29}))
}

func TestNthWeekday(t *testing.T) {
	assert.Equal(t, Date{2024, time.November, 19}, NthWeekday(2024, time.November, time.Tuesday, 3))
	// October 2024 has four Fridays; the fifth is clamped to the last one.
	assert.Equal(t, Date{2024, time.October, 25}, NthWeekday(2024, time.October, time.Friday, 5))
	assert.Equal(t, Date{2024, time.October, 25}, NthWeekday(2024, time.October, time.Friday, 4))
	assert.Equal(t, Date{2024, time.November, 29}, NthWeekday(2024, time.November, time.Friday, 5))
}

func TestSameWeekdayInMonth(t *testing.T) {
	anchor := Date{2024, time.October, 15} // 3rd Tuesday
	assert.Equal(t, Date{2024, time.November, 19}, SameWeekdayInMonth(anchor, 1))
	assert.Equal(t, Date{2024, time.December, 17}, SameWeekdayInMonth(anchor, 2))

	fifthFriday := Date{2024, time.August, 30}
	require.Equal(t, 5, WeekdayOrdinal(fifthFriday))
	assert.Equal(t, Date{2024, time.September, 27}, SameWeekdayInMonth(fifthFriday, 1))
	assert.Equal(t, Date{2024, time.October, 25}, SameWeekdayInMonth(fifthFriday, 2))
	// Clamping does not drift: November has a fifth Friday again.
	assert.Equal(t, Date{2024, time.November, 29}, SameWeekdayInMonth(fifthFriday, 3))
}

func TestNextWeekday(t *testing.T) {
	d := Date{2024, time.October, 16} // Wednesday
	assert.Equal(t, d, NextWeekday(d, time.Wednesday))
	assert.Equal(t, Date{2024, time.October, 22}, NextWeekday(d, time.Tuesday))
}

func TestIsWeekend(t *testing.T) {
	assert.True(t, IsWeekend(Date{2024, time.October, 19}))
	assert.True(t, IsWeekend(Date{2024, time.October, 20}))
	assert.False(t, IsWeekend(Date{2024, time.October, 21}))
}

func TestDate_JSON(t *testing.T) {
	d := Date{2024, time.March, 5}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-05"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal([]byte(`"2024-12-31"`), &back))
	assert.Equal(t, Date{2024, time.December, 31}, back)

	assert.Error(t, json.Unmarshal([]byte(`"31/12/2024"`), &back))
}

func TestDate_Compare(t *testing.T) {
	a := Date{2024, time.March, 5}
	b := Date{2024, time.March, 6}
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, 1, DaysBetween(a, b))
}

func TestDate_At(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	got := Date{2024, time.July, 4}.At(10, 30, loc)
	assert.Equal(t, 10, got.Hour())
	assert.Equal(t, 30, got.Minute())
	assert.Equal(t, loc, got.Location())
}
