// Package config handles inspector configuration loading and validation.
// Everything is driven by FORTISTATE_* environment variables plus a handful
// of CLI flags layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level inspector configuration.
type Config struct {
	// Root is the working directory the inspector namespaces its on-disk
	// state under. Defaults to the process working directory.
	Root string

	// Addr is the listen address, e.g. ":4000".
	Addr string

	// RequireSessions demands a session (or legacy token) on mutating endpoints.
	RequireSessions bool
	// AllowAnonSessions lets observer endpoints through anonymously even when
	// sessions are required.
	AllowAnonSessions bool

	// SessionSecret is the HMAC secret for opaque tokens. When shorter than
	// 16 characters an ephemeral secret is generated and tokens do not
	// survive a restart.
	SessionSecret string
	// JWTSecret switches token minting to signed JWTs when non-empty.
	JWTSecret string
	// SessionTTL is the default session lifetime. Zero means the built-in
	// default (7 days); negative means sessions never expire.
	SessionTTL time.Duration
	// SessionMax caps concurrent sessions; oldest are evicted past the cap.
	SessionMax int

	// AuditMaxSizeBytes and AuditMaxAge control audit log rotation.
	AuditMaxSizeBytes int64
	AuditMaxAge       time.Duration

	// AllowedOrigins is the CORS/WebSocket origin allowlist. A single "*"
	// entry allows everything.
	AllowedOrigins []string
	// OriginStrict rejects requests with an empty Origin header when an
	// allowlist is configured.
	OriginStrict bool

	// Namespace overrides the derived remote-store namespace.
	Namespace string

	// DisableConfigWatch turns off plugin/preset file watching.
	DisableConfigWatch bool

	// AllowOpen gates the open-in-editor endpoint.
	AllowOpen bool

	// Debug enables verbose auth/session logging.
	Debug bool
}

const (
	defaultSessionTTL   = 7 * 24 * time.Hour
	defaultSessionMax   = 500
	defaultAuditMaxSize = 1 << 20 // 1 MiB
	defaultAuditMaxAge  = 30 * 24 * time.Hour
)

// FromEnv builds a Config from FORTISTATE_* environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RequireSessions:    envBool("FORTISTATE_REQUIRE_SESSIONS"),
		AllowAnonSessions:  envBool("FORTISTATE_ALLOW_ANON_SESSIONS"),
		SessionSecret:      os.Getenv("FORTISTATE_SESSION_SECRET"),
		JWTSecret:          os.Getenv("FORTISTATE_JWT_SECRET"),
		OriginStrict:       envBool("FORTISTATE_INSPECTOR_ALLOW_ORIGIN_STRICT"),
		Namespace:          firstNonEmpty(os.Getenv("FORTISTATE_INSPECTOR_NAMESPACE"), os.Getenv("FORTISTATE_REMOTE_NAMESPACE")),
		DisableConfigWatch: envBool("FORTISTATE_DISABLE_CONFIG_WATCH"),
		AllowOpen:          envBool("FORTISTATE_INSPECTOR_ALLOW_OPEN"),
		Debug:              envBool("FORTISTATE_DEBUG"),
	}

	if v := os.Getenv("FORTISTATE_SESSION_TTL"); v != "" {
		d, err := ParseTTL(v)
		if err != nil {
			return nil, fmt.Errorf("FORTISTATE_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = d
	}
	if v := os.Getenv("FORTISTATE_SESSION_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("FORTISTATE_SESSION_MAX: invalid value %q", v)
		}
		cfg.SessionMax = n
	}
	if v := os.Getenv("FORTISTATE_AUDIT_MAX_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("FORTISTATE_AUDIT_MAX_SIZE: invalid value %q", v)
		}
		cfg.AuditMaxSizeBytes = n
	}
	if v := os.Getenv("FORTISTATE_AUDIT_ROTATE_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("FORTISTATE_AUDIT_ROTATE_DAYS: invalid value %q", v)
		}
		cfg.AuditMaxAge = time.Duration(n) * 24 * time.Hour
	}
	if v := os.Getenv("FORTISTATE_INSPECTOR_ALLOW_ORIGIN"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Root = wd
		} else {
			c.Root = "."
		}
	}
	c.Root = filepath.Clean(c.Root)
	if c.Addr == "" {
		c.Addr = ":4000"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.SessionMax == 0 {
		c.SessionMax = defaultSessionMax
	}
	if c.AuditMaxSizeBytes == 0 {
		c.AuditMaxSizeBytes = defaultAuditMaxSize
	}
	if c.AuditMaxAge == 0 {
		c.AuditMaxAge = defaultAuditMaxAge
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.SessionMax < 0 {
		return fmt.Errorf("session max must be positive")
	}
	return nil
}

// ParseTTL parses a duration string with ms/s/m/h/d/w units, e.g. "90m",
// "7d", "500ms". A bare number is taken as milliseconds.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Millisecond
	num := s
	switch {
	case strings.HasSuffix(s, "ms"):
		num = s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit, num = time.Second, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit, num = time.Minute, s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit, num = time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "d"):
		unit, num = 24*time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "w"):
		unit, num = 7*24*time.Hour, s[:len(s)-1]
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
