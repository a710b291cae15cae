// Package auth resolves bearer credentials to roles and decides allow/deny
// for the inspector's HTTP and WebSocket surfaces.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/fortistate/inspector/internal/session"
)

// Info is the resolved credential for one request. It is computed at most
// once per request and cached in the request context.
type Info struct {
	Token    string
	Session  *session.Context
	IsLegacy bool
}

// Role returns the caller's role, or empty for anonymous/legacy callers.
func (i *Info) Role() session.Role {
	if i.Session != nil {
		return i.Session.Session.Role
	}
	return ""
}

// SessionID returns the caller's session id, or empty.
func (i *Info) SessionID() string {
	if i.Session != nil {
		return i.Session.Session.ID
	}
	return ""
}

// Via names the authentication mechanism for audit attribution.
func (i *Info) Via() string {
	switch {
	case i.IsLegacy:
		return "legacy-token"
	case i.Session != nil:
		return "session"
	default:
		return "anonymous"
	}
}

// Decision is the outcome of an enforcement check.
type Decision struct {
	OK         bool
	StatusCode int
	Reason     string
	Message    string
}

// Requirement parameterizes one enforcement check.
type Requirement struct {
	Role session.Role
	// Optional marks observation calls that pass anonymously when the
	// process does not require sessions.
	Optional bool
	// AllowLegacy permits the process-wide legacy token as a credential.
	AllowLegacy bool
}

// Enforcer evaluates credentials against required roles.
type Enforcer struct {
	sessions        *session.Store
	requireSessions bool
	logger          *slog.Logger
	debug           bool

	mu          sync.RWMutex
	legacyToken string
}

// NewEnforcer creates a role enforcer.
func NewEnforcer(sessions *session.Store, legacyToken string, requireSessions, debug bool, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		sessions:        sessions,
		legacyToken:     legacyToken,
		requireSessions: requireSessions,
		logger:          logger.With("component", "auth"),
		debug:           debug,
	}
}

// LegacyToken returns the current legacy token ("" when unset).
func (e *Enforcer) LegacyToken() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.legacyToken
}

// SetLegacyToken swaps the process-wide legacy token.
func (e *Enforcer) SetLegacyToken(token string) {
	e.mu.Lock()
	e.legacyToken = token
	e.mu.Unlock()
}

// Resolve extracts and resolves the credential for a request. queryToken, if
// non-empty, takes precedence over headers (WebSocket upgrades pass tokens in
// the query string because browsers cannot set headers there).
func (e *Enforcer) Resolve(r *http.Request, queryToken string) *Info {
	token := strings.TrimSpace(queryToken)
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("x-fortistate-token"))
	}
	if token == "" {
		h := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(h[7:])
		}
	}

	info := &Info{Token: token}
	if token == "" {
		return info
	}

	legacy := e.LegacyToken()
	if legacy != "" && subtle.ConstantTimeCompare([]byte(token), []byte(legacy)) == 1 {
		info.IsLegacy = true
		return info
	}

	info.Session = e.sessions.ValidateToken(token)
	if e.debug && info.Session == nil {
		e.logger.Debug("token did not resolve to a session")
	}
	return info
}

// Enforce evaluates the resolved credential against a requirement.
func (e *Enforcer) Enforce(info *Info, req Requirement) Decision {
	if info.IsLegacy && req.AllowLegacy {
		return Decision{OK: true}
	}

	if info.Session != nil {
		if !session.CanAct(info.Session.Session.Role, req.Role) {
			return Decision{
				OK:         false,
				StatusCode: http.StatusForbidden,
				Reason:     "insufficient-role",
				Message:    "insufficient role",
			}
		}
		return Decision{OK: true}
	}

	if e.LegacyToken() != "" && !req.Optional {
		return Decision{
			OK:         false,
			StatusCode: http.StatusUnauthorized,
			Reason:     "legacy-token-required",
			Message:    "authentication required",
		}
	}

	if e.requireSession(req) {
		return Decision{
			OK:         false,
			StatusCode: http.StatusUnauthorized,
			Reason:     "session-required",
			Message:    "session required",
		}
	}

	return Decision{OK: true}
}

// requireSession reports whether an anonymous caller must be turned away.
// Sessions become mandatory for non-optional calls either process-wide or as
// soon as any session exists.
func (e *Enforcer) requireSession(req Requirement) bool {
	return !req.Optional && (e.requireSessions || e.sessions.HasSessions())
}

// RequireSessions reports the process-wide sessions-required flag.
func (e *Enforcer) RequireSessions() bool { return e.requireSessions }

// --- HTTP middleware ---

type contextKey string

const infoKey contextKey = "authInfo"

// InfoFromContext returns the cached Info for a request, or nil.
func InfoFromContext(ctx context.Context) *Info {
	info, _ := ctx.Value(infoKey).(*Info)
	return info
}

// WithInfo stores an Info in a context.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// Middleware resolves the credential once and enforces the requirement,
// writing the status and a plain-text body on deny.
func (e *Enforcer) Middleware(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := InfoFromContext(r.Context())
			if info == nil {
				info = e.Resolve(r, "")
			}
			if d := e.Enforce(info, req); !d.OK {
				http.Error(w, d.Message, d.StatusCode)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), info)))
		})
	}
}
