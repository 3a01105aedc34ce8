package scheduling

import (
	"time"

	"github.com/ehr/careseries/internal/platform/calendar"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyCustom   Frequency = "custom"
)

// Rule is the recurrence pattern of a series. The set of implementations
// is closed: Weekly, Biweekly, MonthlyByDate, MonthlyByWeekday and Custom.
type Rule interface {
	Frequency() Frequency
	// Nominal returns the k-th (0-based) date of the pattern anchored on
	// start. Dates are computed from the anchor rather than from the
	// previous date, so month-end clamping never drifts.
	Nominal(start calendar.Date, k int) calendar.Date
	isRule()
}

// Weekly repeats every 7 days on Day, starting on the first Day on or after
// the series start date.
type Weekly struct{ Day time.Weekday }

// Biweekly repeats every 14 days on Day.
type Biweekly struct{ Day time.Weekday }

// MonthlyByDate repeats on the given day of every month, clamped to the
// month length (day 31 falls on Feb 28 or 29).
type MonthlyByDate struct{ Day int }

// MonthlyByWeekday repeats on the same weekday ordinal as the start date
// ("3rd Tuesday"). Months without that ordinal use the last such weekday.
type MonthlyByWeekday struct{}

// Custom repeats every IntervalDays days.
type Custom struct{ IntervalDays int }

func (Weekly) Frequency() Frequency           { return FrequencyWeekly }
func (Biweekly) Frequency() Frequency         { return FrequencyBiweekly }
func (MonthlyByDate) Frequency() Frequency    { return FrequencyMonthly }
func (MonthlyByWeekday) Frequency() Frequency { return FrequencyMonthly }
func (Custom) Frequency() Frequency           { return FrequencyCustom }

func (r Weekly) Nominal(start calendar.Date, k int) calendar.Date {
	return calendar.AddDays(calendar.NextWeekday(start, r.Day), 7*k)
}

func (r Biweekly) Nominal(start calendar.Date, k int) calendar.Date {
	return calendar.AddDays(calendar.NextWeekday(start, r.Day), 14*k)
}

func (r MonthlyByDate) Nominal(start calendar.Date, k int) calendar.Date {
	first := calendar.AddMonths(start, 0, r.Day)
	if first.Before(start) {
		first = calendar.AddMonths(start, 1, r.Day)
	}
	return calendar.AddMonths(first, k, r.Day)
}

func (MonthlyByWeekday) Nominal(start calendar.Date, k int) calendar.Date {
	return calendar.SameWeekdayInMonth(start, k)
}

func (r Custom) Nominal(start calendar.Date, k int) calendar.Date {
	return calendar.AddDays(start, r.IntervalDays*k)
}

func (Weekly) isRule()           {}
func (Biweekly) isRule()         {}
func (MonthlyByDate) isRule()    {}
func (MonthlyByWeekday) isRule() {}
func (Custom) isRule()           {}

// RuleSpec is the flat wire and storage form of a Rule.
type RuleSpec struct {
	Frequency             Frequency `json:"frequency"`
	DayOfWeek             *int      `json:"day_of_week,omitempty"`
	DayOfMonth            *int      `json:"day_of_month,omitempty"`
	UseSameWeekdayOfMonth bool      `json:"use_same_weekday_of_month,omitempty"`
	CustomIntervalDays    *int      `json:"custom_interval_days,omitempty"`
}

// Rule validates the spec and returns the matching Rule. Violations are
// added to verr; the returned rule is nil when any were found.
func (s RuleSpec) Rule(verr *ValidationError) Rule {
	before := len(verr.Fields)
	var rule Rule
	switch s.Frequency {
	case FrequencyWeekly, FrequencyBiweekly:
		if s.DayOfWeek == nil {
			verr.Add("day_of_week", "required for %s series", s.Frequency)
			break
		}
		if *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			verr.Add("day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
			break
		}
		if s.Frequency == FrequencyWeekly {
			rule = Weekly{Day: time.Weekday(*s.DayOfWeek)}
		} else {
			rule = Biweekly{Day: time.Weekday(*s.DayOfWeek)}
		}
	case FrequencyMonthly:
		switch {
		case s.DayOfMonth != nil && s.UseSameWeekdayOfMonth:
			verr.Add("day_of_month", "day_of_month and use_same_weekday_of_month are mutually exclusive")
		case s.UseSameWeekdayOfMonth:
			rule = MonthlyByWeekday{}
		case s.DayOfMonth == nil:
			verr.Add("day_of_month", "monthly series need day_of_month or use_same_weekday_of_month")
		case *s.DayOfMonth < 1 || *s.DayOfMonth > 31:
			verr.Add("day_of_month", "must be between 1 and 31")
		default:
			rule = MonthlyByDate{Day: *s.DayOfMonth}
		}
	case FrequencyCustom:
		if s.CustomIntervalDays == nil || *s.CustomIntervalDays < 1 {
			verr.Add("custom_interval_days", "must be at least 1 for custom series")
			break
		}
		rule = Custom{IntervalDays: *s.CustomIntervalDays}
	default:
		verr.Add("frequency", "must be one of weekly, biweekly, monthly, custom")
	}
	if len(verr.Fields) > before {
		return nil
	}
	return rule
}

// SpecOf flattens a Rule.
func SpecOf(r Rule) RuleSpec {
	intp := func(v int) *int { return &v }
	switch r := r.(type) {
	case Weekly:
		return RuleSpec{Frequency: FrequencyWeekly, DayOfWeek: intp(int(r.Day))}
	case Biweekly:
		return RuleSpec{Frequency: FrequencyBiweekly, DayOfWeek: intp(int(r.Day))}
	case MonthlyByDate:
		return RuleSpec{Frequency: FrequencyMonthly, DayOfMonth: intp(r.Day)}
	case MonthlyByWeekday:
		return RuleSpec{Frequency: FrequencyMonthly, UseSameWeekdayOfMonth: true}
	case Custom:
		return RuleSpec{Frequency: FrequencyCustom, CustomIntervalDays: intp(r.IntervalDays)}
	}
	return RuleSpec{}
}
