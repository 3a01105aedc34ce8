package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// TenantMiddleware pins one pooled connection to the request with its
// search_path set to the tenant schema. Requests for a tenant without a
// schema get 404. The search_path is reset before the connection goes back
// to the pool.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	known := newSchemaCache(func(ctx context.Context, schema string) (bool, error) {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
			schema).Scan(&exists)
		return exists, err
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			schema, err := SchemaName(tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			ok, err := known.exists(ctx, schema)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			if !ok {
				return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown tenant %q", tenantID))
			}

			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer func() {
				if _, err := conn.Exec(context.Background(), "RESET search_path"); err != nil {
					// A connection in an unknown state must not serve another tenant.
					log.Warn().Err(err).Str("tenant_id", tenantID).Msg("reset search_path failed, closing connection")
					conn.Conn().Close(context.Background())
				}
				conn.Release()
			}()

			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			ctx = context.WithValue(ctx, TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// schemaCache remembers schemas that exist. Misses are not cached so a
// tenant created after startup is picked up on its next request.
type schemaCache struct {
	lookup func(ctx context.Context, schema string) (bool, error)
	mu     sync.RWMutex
	seen   map[string]struct{}
}

func newSchemaCache(lookup func(ctx context.Context, schema string) (bool, error)) *schemaCache {
	return &schemaCache{lookup: lookup, seen: make(map[string]struct{})}
}

func (s *schemaCache) exists(ctx context.Context, schema string) (bool, error) {
	s.mu.RLock()
	_, ok := s.seen[schema]
	s.mu.RUnlock()
	if ok {
		return true, nil
	}

	ok, err := s.lookup(ctx, schema)
	if err != nil || !ok {
		return false, err
	}
	s.mu.Lock()
	s.seen[schema] = struct{}{}
	s.mu.Unlock()
	return true, nil
}

// SchemaName returns the Postgres schema holding tenantID's data.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

// extractTenantID resolves the tenant from the token claim, then the
// X-Tenant-ID header, then the tenant_id query parameter.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema of tenantID and applies every
// migration in migrations to it. A nil source only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return nil
	}
	if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return nil
}
