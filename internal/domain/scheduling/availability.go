package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careseries/internal/platform/calendar"
)

// HolidayCalendar returns the non-bookable dates of a jurisdiction within
// [start, end].
type HolidayCalendar interface {
	HolidaysInRange(ctx context.Context, start, end calendar.Date, jurisdiction string) ([]calendar.Date, error)
}

// AvailabilityChecker reports whether a provider has no conflicting
// booking over [start, end).
type AvailabilityChecker interface {
	IsSlotFree(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error)
}

// AvailabilityFunc adapts a function to AvailabilityChecker.
type AvailabilityFunc func(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error)

func (f AvailabilityFunc) IsSlotFree(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error) {
	return f(ctx, providerID, start, end)
}

// bookingChecker treats scheduled occurrences visible in the session as
// busy, then defers to an optional external checker.
type bookingChecker struct {
	occs     OccurrenceRepository
	exclude  uuid.UUID
	external AvailabilityChecker
}

func (b bookingChecker) IsSlotFree(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error) {
	busy, err := b.occs.ListOverlapping(ctx, providerID, start, end, b.exclude)
	if err != nil {
		return false, err
	}
	if len(busy) > 0 {
		return false, nil
	}
	if b.external == nil {
		return true, nil
	}
	return b.external.IsSlotFree(ctx, providerID, start, end)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
