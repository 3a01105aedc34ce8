package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxBodySize    string        `mapstructure:"MAX_BODY_SIZE"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	HolidayFile            string `mapstructure:"HOLIDAY_FILE"`
	HolidayICSURL          string `mapstructure:"HOLIDAY_ICS_URL"`
	HolidayICSJurisdiction string `mapstructure:"HOLIDAY_ICS_JURISDICTION"`
	HolidayRefreshCron     string `mapstructure:"HOLIDAY_REFRESH_CRON"`

	GoogleAPIKey            string `mapstructure:"GOOGLE_API_KEY"`
	GoogleHolidayCalendars  string `mapstructure:"GOOGLE_HOLIDAY_CALENDARS"`
	GoogleCredentialsFile   string `mapstructure:"GOOGLE_CREDENTIALS_FILE"`
	GoogleImpersonate       string `mapstructure:"GOOGLE_IMPERSONATE"`
	GoogleProviderCalendars string `mapstructure:"GOOGLE_PROVIDER_CALENDARS"`

	SeriesMaxOccurrences      int    `mapstructure:"SERIES_MAX_OCCURRENCES"`
	SeriesDefaultJurisdiction string `mapstructure:"SERIES_DEFAULT_JURISDICTION"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "STORE_DRIVER", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "REQUEST_TIMEOUT", "MAX_BODY_SIZE",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"HOLIDAY_FILE", "HOLIDAY_ICS_URL", "HOLIDAY_ICS_JURISDICTION", "HOLIDAY_REFRESH_CRON",
	"GOOGLE_API_KEY", "GOOGLE_HOLIDAY_CALENDARS", "GOOGLE_CREDENTIALS_FILE", "GOOGLE_IMPERSONATE",
	"GOOGLE_PROVIDER_CALENDARS",
	"SERIES_MAX_OCCURRENCES", "SERIES_DEFAULT_JURISDICTION",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "./careseries.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAX_BODY_SIZE", "256K")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 50)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("HOLIDAY_ICS_JURISDICTION", "default")
	v.SetDefault("HOLIDAY_REFRESH_CRON", "@every 6h")
	v.SetDefault("SERIES_MAX_OCCURRENCES", 100)
	v.SetDefault("SERIES_DEFAULT_JURISDICTION", "default")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode (ENV=development); " +
			"unauthenticated requests get admin access. Set ENV=production and AUTH_ISSUER for production")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (no
// token needed) and anything else means "external" bearer tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)",
				c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY alone is not accepted in production; configure AUTH_ISSUER or AUTH_JWKS_URL")
	}

	if c.SeriesMaxOccurrences <= 0 {
		return fmt.Errorf("SERIES_MAX_OCCURRENCES must be positive, got %d", c.SeriesMaxOccurrences)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if _, err := ParsePairs(c.GoogleHolidayCalendars); err != nil {
		return fmt.Errorf("GOOGLE_HOLIDAY_CALENDARS: %w", err)
	}
	if _, err := ParsePairs(c.GoogleProviderCalendars); err != nil {
		return fmt.Errorf("GOOGLE_PROVIDER_CALENDARS: %w", err)
	}
	if c.HolidayICSURL != "" && c.HolidayICSJurisdiction == "" {
		return fmt.Errorf("HOLIDAY_ICS_JURISDICTION is required when HOLIDAY_ICS_URL is set")
	}
	return nil
}

// HolidayCalendars returns GOOGLE_HOLIDAY_CALENDARS as jurisdiction → calendar id.
func (c *Config) HolidayCalendars() map[string]string {
	m, _ := ParsePairs(c.GoogleHolidayCalendars)
	return m
}

// ProviderCalendars returns GOOGLE_PROVIDER_CALENDARS as provider id → calendar id.
func (c *Config) ProviderCalendars() map[string]string {
	m, _ := ParsePairs(c.GoogleProviderCalendars)
	return m
}

// ParsePairs parses a comma-separated "key=value" list. Blank entries are
// ignored; an entry without '=' or with an empty side is an error.
func ParsePairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q, want key=value", entry)
		}
		out[k] = v
	}
	return out, nil
}
