package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/calendar/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ehr/careseries/internal/config"
	"github.com/ehr/careseries/internal/domain/scheduling"
	"github.com/ehr/careseries/internal/platform/auth"
	"github.com/ehr/careseries/internal/platform/db"
	"github.com/ehr/careseries/internal/platform/gcal"
	"github.com/ehr/careseries/internal/platform/holiday"
	"github.com/ehr/careseries/internal/platform/middleware"
)

const version = "0.1.0"

// newLogger builds the process logger: JSON (console in development) to
// stdout, mirrored into a rotated file when LOG_FILE is set.
func newLogger(cfg *config.Config, stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	logger := zerolog.New(out).With().Timestamp().Str("service", "careseries").Logger()
	log.Logger = logger
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// storeHandle is the opened series store plus whatever the HTTP layer needs
// from the underlying database.
type storeHandle struct {
	store scheduling.Store
	// pool is set for the postgres driver only.
	pool   *pgxpool.Pool
	health db.Pinger
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:  scheduling.NewPGStore(pool),
			pool:   pool,
			health: pool,
			close:  pool.Close,
		}, nil
	case config.DriverSQLite:
		st, err := scheduling.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:  st,
			health: st,
			close:  func() { st.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// googleCalendar returns a Calendar API client when any Google credential
// is configured, nil otherwise.
func googleCalendar(ctx context.Context, cfg *config.Config) (*calendar.Service, error) {
	if cfg.GoogleAPIKey == "" && cfg.GoogleCredentialsFile == "" {
		return nil, nil
	}
	return gcal.NewService(ctx, gcal.Config{
		APIKey:          cfg.GoogleAPIKey,
		CredentialsFile: cfg.GoogleCredentialsFile,
		Impersonate:     cfg.GoogleImpersonate,
	})
}

// buildHolidays combines every configured holiday source. The returned
// refresher is nil when no source needs periodic reloading.
func buildHolidays(cfg *config.Config, google *calendar.Service, logger zerolog.Logger) (holiday.Union, *holiday.Refresher, error) {
	var union holiday.Union
	var refreshable []holiday.Refreshable

	if cfg.HolidayFile != "" {
		static, err := holiday.LoadFile(cfg.HolidayFile)
		if err != nil {
			return nil, nil, err
		}
		union = append(union, static)
	}
	if cfg.HolidayICSURL != "" {
		feed := holiday.NewICSCalendar(cfg.HolidayICSURL, cfg.HolidayICSJurisdiction, logger)
		union = append(union, feed)
		refreshable = append(refreshable, feed)
	}
	if cals := cfg.HolidayCalendars(); google != nil && len(cals) > 0 {
		union = append(union, gcal.NewHolidayCalendar(google, cals))
	}

	if len(refreshable) == 0 {
		return union, nil, nil
	}
	refresher, err := holiday.NewRefresher(cfg.HolidayRefreshCron, logger, refreshable...)
	if err != nil {
		return nil, nil, err
	}
	return union, refresher, nil
}

// buildAvailability returns the provider free/busy checker backed by Google
// Calendar, or nil when no provider calendars are mapped.
func buildAvailability(cfg *config.Config, google *calendar.Service) (scheduling.AvailabilityChecker, error) {
	raw := cfg.ProviderCalendars()
	if google == nil || len(raw) == 0 {
		return nil, nil
	}
	providers, err := gcal.ProviderCalendars(raw)
	if err != nil {
		return nil, fmt.Errorf("GOOGLE_PROVIDER_CALENDARS: %w", err)
	}
	return gcal.NewFreeBusyChecker(google, providers), nil
}

// newEcho wires middleware, auth, health checks and the series routes.
func newEcho(cfg *config.Config, logger zerolog.Logger, svc *scheduling.Service, st *storeHandle) (*echo.Echo, error) {
	bodyLimit, err := middleware.ParseSize(cfg.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("MAX_BODY_SIZE: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreDriver,
		})
	})
	if st.health != nil {
		e.GET("/health/db", db.HealthHandler(st.health))
	}

	// Tenant schemas only exist in Postgres.
	apiV1 := e.Group("/api/v1")
	if st.pool != nil {
		apiV1.Use(db.TenantMiddleware(st.pool, cfg.DefaultTenant))
	}
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := context.Background()

	// Store
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store opened")

	// Calendars
	google, err := googleCalendar(ctx, cfg)
	if err != nil {
		return err
	}
	holidays, refresher, err := buildHolidays(cfg, google, logger)
	if err != nil {
		return err
	}
	if refresher != nil {
		refresher.RefreshAll()
		refresher.Start()
		defer refresher.Stop()
	}
	availability, err := buildAvailability(cfg, google)
	if err != nil {
		return err
	}

	svc := scheduling.NewService(st.store, holidays, scheduling.Options{
		MaxOccurrences:      cfg.SeriesMaxOccurrences,
		DefaultJurisdiction: cfg.SeriesDefaultJurisdiction,
		Availability:        availability,
		Logger:              logger,
	})

	e, err := newEcho(cfg, logger, svc, st)
	if err != nil {
		return err
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
