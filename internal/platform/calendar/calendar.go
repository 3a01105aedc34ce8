// Package calendar holds the pure date-stepping helpers used to expand
// recurrence rules. Nothing here performs I/O or depends on a location.
package calendar

import "time"

// AddDays moves d by n days (n may be negative).
func AddDays(d Date, n int) Date {
	return DateOf(d.Midnight().AddDate(0, 0, n))
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths moves d by n calendar months and lands on day, clamped to the
// length of the target month. AddMonths(2024-01-31, 1, 31) is 2024-02-29.
func AddMonths(d Date, n int, day int) Date {
	// Normalize on the first of the month so time.AddDate cannot overflow.
	first := time.Date(d.Year, d.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	y, m := first.Year(), first.Month()
	if last := DaysIn(y, m); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return Date{Year: y, Month: m, Day: day}
}

// WeekdayOrdinal reports which occurrence of its weekday d is within its
// month: 1 for the first Tuesday, 3 for the third, up to 5.
func WeekdayOrdinal(d Date) int {
	return (d.Day-1)/7 + 1
}

// NthWeekday returns the n-th (1-based) wd of the given month. When the
// month has fewer than n such weekdays the last one is returned instead.
func NthWeekday(year int, month time.Month, wd time.Weekday, n int) Date {
	if n < 1 {
		n = 1
	}
	first := Date{Year: year, Month: month, Day: 1}
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + (n-1)*7
	for day > DaysIn(year, month) {
		day -= 7
	}
	return Date{Year: year, Month: month, Day: day}
}

// SameWeekdayInMonth returns the date holding the same weekday ordinal as
// anchor, n months later ("3rd Tuesday" stays "3rd Tuesday").
func SameWeekdayInMonth(anchor Date, n int) Date {
	target := AddMonths(anchor, n, 1)
	return NthWeekday(target.Year, target.Month, anchor.Weekday(), WeekdayOrdinal(anchor))
}

// NextWeekday returns the first date on or after d that falls on wd.
func NextWeekday(d Date, wd time.Weekday) Date {
	return AddDays(d, (int(wd)-int(d.Weekday())+7)%7)
}

// IsWeekend reports Saturday or Sunday.
func IsWeekend(d Date) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b Date) int {
	return int(b.Midnight().Sub(a.Midnight()).Hours() / 24)
}
