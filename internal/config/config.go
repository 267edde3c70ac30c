// Package config resolves process configuration from environment variables,
// following the startup-fatal contract in spec.md §6/§7: a missing OAuth
// token or malformed port must fail the process before the HTTP listener
// binds, with specific exit codes the entry point is responsible for using.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMissingOAuthToken is returned when DISPATCH_SELF_OAUTH_ACCESS_TOKEN is
// unset. cmd/dispatch treats this as fatal and exits with status 129.
var ErrMissingOAuthToken = fmt.Errorf("DISPATCH_SELF_OAUTH_ACCESS_TOKEN is required")

// ErrBadPort is returned when the configured port is not a valid TCP port
// number. cmd/dispatch treats this as fatal and exits with status 128.
var ErrBadPort = fmt.Errorf("invalid port")

// Config is the resolved process configuration.
type Config struct {
	Port             int
	OAuthAccessToken string
	RawLog           bool
	LogLevel         string
	ChangeStreamURL  string
	SiteCatalogURL   string

	ToolsDBUser string
	ToolsDBPass string

	// Hosted reports whether the process is running inside the hosted
	// build-service environment, per spec.md §4.3's host-suffix safety gate.
	Hosted       bool
	HostedSuffix string
}

// Load reads configuration from the environment, returning the startup-fatal
// sentinel errors spec.md §7 describes rather than a generic error.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        envOr("DISPATCH_LOG_LEVEL", "info"),
		ChangeStreamURL: os.Getenv("DISPATCH_CHANGESTREAM_URL"),
		SiteCatalogURL:  envOr("DISPATCH_SITE_CATALOG_URL", "https://dispatch-tools.wmcloud.org/v1/sites.json"),
		ToolsDBUser:     os.Getenv("DISPATCH_TOOLSDB_USER"),
		ToolsDBPass:     os.Getenv("DISPATCH_TOOLSDB_PASS"),
		HostedSuffix:    envOr("DISPATCH_HOSTED_SUFFIX", "db.svc.wikimedia.cloud"),
	}

	cfg.OAuthAccessToken = strings.TrimSpace(os.Getenv("DISPATCH_SELF_OAUTH_ACCESS_TOKEN"))
	if cfg.OAuthAccessToken == "" {
		return nil, ErrMissingOAuthToken
	}

	if raw := strings.TrimSpace(os.Getenv("DISPATCH_RAWLOG")); raw != "" {
		cfg.RawLog = raw != "0" && strings.ToLower(raw) != "false"
	}

	cfg.Hosted = strings.TrimSpace(os.Getenv("DISPATCH_HOSTED")) != ""

	portStr := os.Getenv("DISPATCH_PORT")
	if portStr == "" {
		portStr = os.Getenv("PORT")
	}
	if portStr == "" {
		cfg.Port = 8080
		return cfg, nil
	}

	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %q", ErrBadPort, portStr)
	}
	cfg.Port = port

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
