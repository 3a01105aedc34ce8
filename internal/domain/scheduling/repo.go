package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SeriesRepository interface {
	// Create inserts s with Version 1.
	Create(ctx context.Context, s *Series) error
	GetByID(ctx context.Context, id uuid.UUID) (*Series, error)
	// Update writes s only if the stored version still equals s.Version and
	// bumps s.Version on success. A stale version yields ErrConflict.
	Update(ctx context.Context, s *Series) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, f SeriesFilter) ([]*Series, int, error)
}

type OccurrenceRepository interface {
	CreateBatch(ctx context.Context, occs []*Occurrence) error
	Update(ctx context.Context, o *Occurrence) error
	// ListBySeries returns the occurrences of a series in position order.
	ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Occurrence, error)
	// ListOverlapping returns the scheduled occurrences of providerID that
	// intersect [start, end), ignoring exclude.
	ListOverlapping(ctx context.Context, providerID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Occurrence, error)
}

// Session is one transaction. Every read and write of an operation goes
// through the repositories of a single session, which is then committed or
// rolled back as a whole.
type Session interface {
	Series() SeriesRepository
	Occurrences() OccurrenceRepository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Store interface {
	Begin(ctx context.Context) (Session, error)
}
