package scheduling

import (
	"fmt"
	"io"
	"strconv"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/ehr/careseries/internal/platform/calendar"
)

const icsProductID = "-//careseries//recurring series//EN"

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RecurrenceRule expresses the nominal pattern of s as an RFC 5545 rule
// starting on the first nominal date and ending on EndDate. Holidays,
// exceptions and reschedules are not part of the rule.
func RecurrenceRule(s *Series) (*rrule.RRule, error) {
	first := s.Rule.Nominal(s.StartDate, 0)
	opt := rrule.ROption{
		Dtstart:  s.StartAt(first),
		Until:    s.StartAt(s.EndDate),
		Interval: 1,
	}
	switch r := s.Rule.(type) {
	case Weekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[r.Day]}
	case Biweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[r.Day]}
	case MonthlyByDate:
		opt.Freq = rrule.MONTHLY
		if r.Day <= 28 {
			opt.Bymonthday = []int{r.Day}
		} else {
			// Clamp to the month end: the last of 28..Day the month has.
			for d := 28; d <= r.Day; d++ {
				opt.Bymonthday = append(opt.Bymonthday, d)
			}
			opt.Bysetpos = []int{-1}
		}
	case MonthlyByWeekday:
		opt.Freq = rrule.MONTHLY
		n := calendar.WeekdayOrdinal(first)
		if n == 5 {
			n = -1
		}
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[first.Weekday()].Nth(n)}
	case Custom:
		opt.Freq = rrule.DAILY
		opt.Interval = r.IntervalDays
	default:
		return nil, fmt.Errorf("unsupported rule %T", s.Rule)
	}
	return rrule.NewRRule(opt)
}

// RRuleString is the RRULE value of RecurrenceRule, e.g.
// "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU;UNTIL=20250630T100000Z".
func RRuleString(s *Series) (string, error) {
	r, err := RecurrenceRule(s)
	if err != nil {
		return "", err
	}
	return r.OrigOptions.RRuleString(), nil
}

// EncodeICS writes the occurrences of a series as an iCalendar document,
// one VEVENT per occurrence. Cancelled occurrences keep STATUS:CANCELLED so
// subscribers drop them.
func EncodeICS(w io.Writer, s *Series, occs []*Occurrence) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, icsProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")

	for _, o := range occs {
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, o.ID.String()+"@careseries")
		ev.Props.SetDateTime(ical.PropDateTimeStamp, o.UpdatedAt.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeStart, o.StartTime.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeEnd, o.EndTime.UTC())
		ev.Props.SetText(ical.PropSummary, fmt.Sprintf("Appointment %d", o.Position))
		if o.Notes != "" {
			ev.Props.SetText(ical.PropDescription, o.Notes)
		}
		ev.Props.SetText(ical.PropStatus, icsStatus(o.Status))
		seq := ical.NewProp(ical.PropSequence)
		seq.Value = strconv.Itoa(s.Version)
		ev.Props.Set(seq)
		cal.Children = append(cal.Children, ev.Component)
	}
	return ical.NewEncoder(w).Encode(cal)
}

func icsStatus(st OccurrenceStatus) string {
	if st == OccurrenceCancelled || st == OccurrenceNoShow {
		return "CANCELLED"
	}
	return "CONFIRMED"
}
