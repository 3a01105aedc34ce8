package holiday

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refreshable is a holiday source that reloads from upstream.
type Refreshable interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Refresher reloads holiday sources on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	sources []Refreshable
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRefresher schedules sources on spec (standard 5-field cron or a
// descriptor such as "@every 6h").
func NewRefresher(spec string, logger zerolog.Logger, sources ...Refreshable) (*Refresher, error) {
	r := &Refresher{
		cron:    cron.New(),
		sources: sources,
		timeout: time.Minute,
		logger:  logger.With().Str("component", "holiday_refresher").Logger(),
	}
	if _, err := r.cron.AddFunc(spec, r.RefreshAll); err != nil {
		return nil, fmt.Errorf("invalid holiday refresh schedule %q: %w", spec, err)
	}
	return r, nil
}

// RefreshAll reloads every source once. Failures are logged and the
// previous data of that source is kept.
func (r *Refresher) RefreshAll() {
	for _, s := range r.sources {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Refresh(ctx); err != nil {
			r.logger.Error().Err(err).Str("source", s.Name()).Msg("holiday refresh failed")
		}
		cancel()
	}
}

// Start runs the schedule in the background.
func (r *Refresher) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
