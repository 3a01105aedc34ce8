package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careseries/internal/platform/calendar"
)

const (
	maxDurationMinutes   = 24 * 60
	maxRescheduleWindow  = 60
	maxSeriesSpanDays    = 10 * 366
	defaultTimezone      = "UTC"
	defaultDurationMins  = 30
	defaultRescheduleWin = 7
)

// Definition is the input of CreateSeries and PreviewSeries.
type Definition struct {
	PatientID         uuid.UUID `json:"patient_id"`
	ProviderID        uuid.UUID `json:"provider_id"`
	AppointmentTypeID uuid.UUID `json:"appointment_type_id"`
	RuleSpec

	TimeOfDay            *TimeOfDay     `json:"time_of_day"`
	Timezone             string         `json:"timezone,omitempty"`
	StartDate            calendar.Date  `json:"start_date"`
	EndDate              *calendar.Date `json:"end_date,omitempty"`
	Occurrences          int            `json:"occurrences,omitempty"`
	DurationMinutes      int            `json:"duration_minutes,omitempty"`
	SkipHolidays         bool           `json:"skip_holidays"`
	AutoReschedule       bool           `json:"auto_reschedule"`
	RescheduleWindowDays *int           `json:"reschedule_window_days,omitempty"`
	Jurisdiction         string         `json:"jurisdiction,omitempty"`
	Notes                string         `json:"notes,omitempty"`
}

// Limits bound what a definition may ask for.
type Limits struct {
	MaxOccurrences      int
	DefaultJurisdiction string
}

// Series validates the definition and returns the unsaved series it
// describes. When EndDate is omitted it is derived from Occurrences by
// stepping the rule Occurrences-1 times.
func (d Definition) Series(lim Limits) (*Series, error) {
	verr := &ValidationError{}

	if d.PatientID == uuid.Nil {
		verr.Add("patient_id", "is required")
	}
	if d.ProviderID == uuid.Nil {
		verr.Add("provider_id", "is required")
	}
	if d.AppointmentTypeID == uuid.Nil {
		verr.Add("appointment_type_id", "is required")
	}
	rule := d.RuleSpec.Rule(verr)

	if d.TimeOfDay == nil {
		verr.Add("time_of_day", "is required")
	} else if d.TimeOfDay.Hour < 0 || d.TimeOfDay.Hour > 23 || d.TimeOfDay.Minute < 0 || d.TimeOfDay.Minute > 59 {
		verr.Add("time_of_day", "must be a valid 24-hour time")
	}

	tz := d.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		verr.Add("timezone", "unknown time zone %q", tz)
	}

	if d.StartDate.IsZero() {
		verr.Add("start_date", "is required")
	}
	if d.Occurrences < 0 {
		verr.Add("occurrences", "must not be negative")
	}
	if lim.MaxOccurrences > 0 && d.Occurrences > lim.MaxOccurrences {
		verr.Add("occurrences", "must not exceed %d", lim.MaxOccurrences)
	}
	if d.EndDate == nil && d.Occurrences == 0 {
		verr.Add("end_date", "end_date or occurrences is required")
	}
	if d.EndDate != nil && !d.StartDate.IsZero() && d.EndDate.Before(d.StartDate) {
		verr.Add("end_date", "must not be before start_date")
	}

	duration := d.DurationMinutes
	if duration == 0 {
		duration = defaultDurationMins
	}
	if duration < 1 || duration > maxDurationMinutes {
		verr.Add("duration_minutes", "must be between 1 and %d", maxDurationMinutes)
	}

	window := 0
	if d.AutoReschedule {
		window = defaultRescheduleWin
	}
	if d.RescheduleWindowDays != nil {
		window = *d.RescheduleWindowDays
	}
	if window < 0 || window > maxRescheduleWindow {
		verr.Add("reschedule_window_days", "must be between 0 and %d", maxRescheduleWindow)
	}
	if d.AutoReschedule && window == 0 {
		verr.Add("reschedule_window_days", "must be at least 1 when auto_reschedule is enabled")
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	end := rule.Nominal(d.StartDate, 0)
	if d.EndDate != nil {
		end = *d.EndDate
	} else if d.Occurrences > 1 {
		end = rule.Nominal(d.StartDate, d.Occurrences-1)
	}
	if calendar.DaysBetween(d.StartDate, end) > maxSeriesSpanDays {
		return nil, invalid("end_date", "series may span at most %d days", maxSeriesSpanDays)
	}

	jurisdiction := d.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = lim.DefaultJurisdiction
	}

	return &Series{
		PatientID:            d.PatientID,
		ProviderID:           d.ProviderID,
		AppointmentTypeID:    d.AppointmentTypeID,
		Rule:                 rule,
		TimeOfDay:            *d.TimeOfDay,
		Timezone:             tz,
		StartDate:            d.StartDate,
		EndDate:              end,
		OccurrenceCount:      d.Occurrences,
		DurationMinutes:      duration,
		SkipHolidays:         d.SkipHolidays,
		AutoReschedule:       d.AutoReschedule,
		RescheduleWindowDays: window,
		Jurisdiction:         jurisdiction,
		Notes:                d.Notes,
		Status:               SeriesActive,
		Exceptions:           []calendar.Date{},
		OccurrenceRefs:       []uuid.UUID{},
	}, nil
}
