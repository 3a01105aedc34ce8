package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// Pinger is a store that can report whether it is reachable. Both the pgx
// pool and the embedded SQLite store satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is the JSON view of pgxpool.Stat.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(s *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

type statter interface {
	Stat() *pgxpool.Stat
}

// HealthReport is the body of /health/db.
type HealthReport struct {
	Status    string     `json:"status"`
	LatencyMS int64      `json:"latency_ms"`
	Error     string     `json:"error,omitempty"`
	Pool      *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings store and answers 200 or 503. A pgx pool also
// reports its connection statistics.
func HealthHandler(store Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		started := time.Now()
		err := store.Ping(ctx)
		report := HealthReport{Status: "healthy", LatencyMS: time.Since(started).Milliseconds()}
		if s, ok := store.(statter); ok {
			report.Pool = poolStats(s.Stat())
		}
		if err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
