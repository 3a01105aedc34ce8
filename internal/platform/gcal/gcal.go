// Package gcal adapts Google Calendar to the holiday and availability
// collaborators of the series engine.
package gcal

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Config selects how the Calendar API is reached. CredentialsFile takes
// precedence over APIKey; Endpoint points the client at a private gateway
// or a test server.
type Config struct {
	APIKey          string
	CredentialsFile string
	Impersonate     string
	Endpoint        string
}

// NewService builds a Calendar API client. A service account file is
// exchanged for an oauth2 client (optionally impersonating a workspace
// user, which free/busy on provider calendars requires); a bare API key is
// enough for public holiday calendars.
func NewService(ctx context.Context, cfg Config, extra ...option.ClientOption) (*calendar.Service, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		jwtCfg, err := google.JWTConfigFromJSON(data, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
		if cfg.Impersonate != "" {
			jwtCfg.Subject = cfg.Impersonate
		}
		opts = append(opts, option.WithHTTPClient(jwtCfg.Client(ctx)))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, extra...)

	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return srv, nil
}

// ProviderCalendars converts a provider id → calendar id mapping read from
// configuration into typed keys.
func ProviderCalendars(raw map[string]string) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(raw))
	for k, v := range raw {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("invalid provider id %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}
