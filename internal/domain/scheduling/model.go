package scheduling

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careseries/internal/platform/calendar"
)

type SeriesStatus string

const (
	SeriesActive             SeriesStatus = "active"
	SeriesCancelled          SeriesStatus = "cancelled"
	SeriesPartiallyCancelled SeriesStatus = "partially_cancelled"
)

type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
	OccurrenceCompleted OccurrenceStatus = "completed"
	OccurrenceNoShow    OccurrenceStatus = "no-show"
)

func (s OccurrenceStatus) valid() bool {
	switch s {
	case OccurrenceScheduled, OccurrenceCancelled, OccurrenceCompleted, OccurrenceNoShow:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock time, written "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Series is a recurrence definition together with the mutable state of
// the occurrences it generated.
type Series struct {
	ID                   uuid.UUID       `json:"id"`
	PatientID            uuid.UUID       `json:"patient_id"`
	ProviderID           uuid.UUID       `json:"provider_id"`
	AppointmentTypeID    uuid.UUID       `json:"appointment_type_id"`
	Rule                 Rule            `json:"-"`
	TimeOfDay            TimeOfDay       `json:"time_of_day"`
	Timezone             string          `json:"timezone"`
	StartDate            calendar.Date   `json:"start_date"`
	EndDate              calendar.Date   `json:"end_date"`
	OccurrenceCount      int             `json:"occurrences,omitempty"`
	DurationMinutes      int             `json:"duration_minutes"`
	SkipHolidays         bool            `json:"skip_holidays"`
	AutoReschedule       bool            `json:"auto_reschedule"`
	RescheduleWindowDays int             `json:"reschedule_window_days"`
	Jurisdiction         string          `json:"jurisdiction"`
	Notes                string          `json:"notes,omitempty"`
	Status               SeriesStatus    `json:"status"`
	Exceptions           []calendar.Date `json:"exceptions"`
	OccurrenceRefs       []uuid.UUID     `json:"occurrence_refs"`
	CancellationReason   *string         `json:"cancellation_reason,omitempty"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// MarshalJSON inlines the rule fields next to the series fields.
func (s Series) MarshalJSON() ([]byte, error) {
	type plain Series
	return json.Marshal(struct {
		plain
		RuleSpec
	}{plain(s), SpecOf(s.Rule)})
}

// Location resolves Timezone, falling back to UTC.
func (s *Series) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StartAt is the start instant of an occurrence on d.
func (s *Series) StartAt(d calendar.Date) time.Time {
	return d.At(s.TimeOfDay.Hour, s.TimeOfDay.Minute, s.Location())
}

// DateOf is the local calendar date of t in the series time zone.
func (s *Series) DateOf(t time.Time) calendar.Date {
	return calendar.DateOf(t.In(s.Location()))
}

func (s *Series) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// AddException records d as excluded from the pattern. It reports false
// when d was already present. Exceptions stay sorted.
func (s *Series) AddException(d calendar.Date) bool {
	i := sort.Search(len(s.Exceptions), func(i int) bool { return !s.Exceptions[i].Before(d) })
	if i < len(s.Exceptions) && s.Exceptions[i] == d {
		return false
	}
	s.Exceptions = append(s.Exceptions, calendar.Date{})
	copy(s.Exceptions[i+1:], s.Exceptions[i:])
	s.Exceptions[i] = d
	return true
}

func (s *Series) clone() *Series {
	c := *s
	c.Exceptions = append([]calendar.Date(nil), s.Exceptions...)
	c.OccurrenceRefs = append([]uuid.UUID(nil), s.OccurrenceRefs...)
	if s.CancellationReason != nil {
		r := *s.CancellationReason
		c.CancellationReason = &r
	}
	return &c
}

// Occurrence is one appointment instance. SeriesID is nil for stand-alone
// appointments.
type Occurrence struct {
	ID                 uuid.UUID        `json:"id"`
	SeriesID           *uuid.UUID       `json:"series_id,omitempty"`
	PatientID          uuid.UUID        `json:"patient_id"`
	ProviderID         uuid.UUID        `json:"provider_id"`
	Position           int              `json:"position"`
	NominalDate        calendar.Date    `json:"nominal_date"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            time.Time        `json:"end_time"`
	Status             OccurrenceStatus `json:"status"`
	IsModified         bool             `json:"is_modified_occurrence"`
	Rescheduled        bool             `json:"rescheduled"`
	Notes              string           `json:"notes,omitempty"`
	CancellationReason *string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Active reports whether the occurrence still counts as part of the
// series' bookable set.
func (o *Occurrence) Active() bool {
	return o.Status != OccurrenceCancelled && o.Status != OccurrenceNoShow
}

func (o *Occurrence) cancel(reason string, at time.Time) {
	o.Status = OccurrenceCancelled
	if reason != "" {
		o.CancellationReason = &reason
	}
	o.UpdatedAt = at
}

func (o *Occurrence) clone() *Occurrence {
	c := *o
	if o.SeriesID != nil {
		id := *o.SeriesID
		c.SeriesID = &id
	}
	if o.CancellationReason != nil {
		r := *o.CancellationReason
		c.CancellationReason = &r
	}
	return &c
}

// SeriesWithOccurrences is a series and (optionally) its occurrences in
// position order.
type SeriesWithOccurrences struct {
	Series      *Series       `json:"series"`
	Occurrences []*Occurrence `json:"occurrences,omitempty"`
}

type GetOptions struct {
	ExpandOccurrences bool
}

// SeriesFilter narrows ListSeriesForPatient. Zero values match everything.
type SeriesFilter struct {
	Status     SeriesStatus
	ProviderID *uuid.UUID
	Limit      int
	Offset     int
}
