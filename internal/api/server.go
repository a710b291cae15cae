// Package api provides the inspector's HTTP surface and WebSocket gateway.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fortistate/inspector/internal/audit"
	"github.com/fortistate/inspector/internal/auth"
	"github.com/fortistate/inspector/internal/config"
	"github.com/fortistate/inspector/internal/hub"
	"github.com/fortistate/inspector/internal/presence"
	"github.com/fortistate/inspector/internal/reloader"
	"github.com/fortistate/inspector/internal/remote"
	"github.com/fortistate/inspector/internal/session"
	"github.com/fortistate/inspector/internal/store"
	"github.com/fortistate/inspector/internal/telemetry"
	"github.com/fortistate/inspector/internal/universe"
)

// Server dispatches the REST endpoints and the WebSocket upgrade.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	factory   *store.Factory
	sessions  *session.Store
	audit     *audit.Log
	enforcer  *auth.Enforcer
	presence  *presence.Manager
	remote    *remote.Registry
	hub       *hub.Hub
	telemetry *telemetry.Hub
	reloader  *reloader.Reloader
	universes *universe.Registry
	mux       *chi.Mux
}

// Deps bundles the components the server dispatches to.
type Deps struct {
	Factory   *store.Factory
	Sessions  *session.Store
	Audit     *audit.Log
	Enforcer  *auth.Enforcer
	Presence  *presence.Manager
	Remote    *remote.Registry
	Hub       *hub.Hub
	Telemetry *telemetry.Hub
	Reloader  *reloader.Reloader
	Universes *universe.Registry
}

// NewServer creates the API server and assembles its route table.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		factory:   deps.Factory,
		sessions:  deps.Sessions,
		audit:     deps.Audit,
		enforcer:  deps.Enforcer,
		presence:  deps.Presence,
		remote:    deps.Remote,
		hub:       deps.Hub,
		telemetry: deps.Telemetry,
		reloader:  deps.Reloader,
		universes: deps.Universes,
	}

	observer := deps.Enforcer.Middleware(s.observerRequirement())
	editor := deps.Enforcer.Middleware(auth.Requirement{Role: session.RoleEditor, AllowLegacy: true})
	admin := deps.Enforcer.Middleware(auth.Requirement{Role: session.RoleAdmin, AllowLegacy: true})

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(makeCORSMiddleware(cfg.AllowedOrigins))

	mux.Get("/", s.handleIndex)
	mux.Get("/ws", s.handleWebSocket)

	// Session lifecycle. Create applies its own role ladder; current always
	// answers so a client can learn its auth state before holding a token.
	introspect := deps.Enforcer.Middleware(auth.Requirement{Role: session.RoleObserver, Optional: true, AllowLegacy: true})
	mux.Post("/session/create", s.handleSessionCreate)
	mux.With(introspect).Get("/session/current", s.handleSessionCurrent)
	mux.With(admin).Get("/session/list", s.handleSessionList)
	mux.With(admin).Post("/session/revoke", s.handleSessionRevoke)
	mux.With(admin).Get("/audit/log", s.handleAuditLog)

	// Store observation and mutation.
	mux.With(observer).Get("/remote-stores", s.handleRemoteStores)
	mux.With(observer).Get("/history", s.handleHistory)
	mux.With(observer).Get("/presets", s.handlePresets)
	mux.With(observer).Get("/presence", s.handlePresence)
	mux.With(editor).Post("/register", s.handleRegister)
	mux.With(editor).Post("/change", s.handleChange)
	mux.With(editor).Post("/apply-preset", s.handleApplyPreset)
	mux.With(editor).Post("/duplicate-store", s.handleDuplicateStore)
	mux.With(editor).Post("/swap-stores", s.handleSwapStores)
	mux.With(editor).Post("/move-store", s.handleMoveStore)

	// Telemetry.
	mux.With(observer).Get("/telemetry/stream", s.handleTelemetryStream)
	mux.With(editor).Post("/telemetry", s.handleTelemetryPublish)

	// Universes.
	mux.Route("/api/universes", func(r chi.Router) {
		r.With(observer).Get("/", s.handleUniverseList)
		r.With(observer).Get("/{id}/versions/{vid}", s.handleUniverseVersion)
		r.With(editor).Post("/", s.handleUniverseCreate)
		r.With(editor).Post("/{id}/versions", s.handleUniverseAddVersion)
		r.With(editor).Post("/{id}/launch", s.handleUniverseLaunch)
		r.With(editor).Delete("/{id}", s.handleUniverseDelete)
	})

	// Local-dev helpers.
	mux.With(admin).Get("/set-token", s.handleGetToken)
	mux.With(admin).Post("/set-token", s.handleSetToken)
	mux.With(admin).Post("/open-source", s.handleOpenSource)
	mux.With(admin).Get("/locate-source", s.handleLocateSource)
	mux.With(admin).Get("/debug", s.handleDebug)

	s.mux = mux
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// observerRequirement builds the observation-call requirement: anonymous
// access passes when sessions are not demanded, or when anonymous observers
// are explicitly allowed.
func (s *Server) observerRequirement() auth.Requirement {
	return auth.Requirement{
		Role:        session.RoleObserver,
		Optional:    !s.cfg.RequireSessions || s.cfg.AllowAnonSessions,
		AllowLegacy: true,
	}
}

// auditMutation records one accepted mutation with the caller's attribution.
func (s *Server) auditMutation(r *http.Request, action string, details map[string]any) {
	info := auth.InfoFromContext(r.Context())
	if info == nil {
		info = s.enforcer.Resolve(r, "")
	}
	s.audit.Append(action, info.SessionID(), string(info.Role()), details)
}

// mergedSnapshot overlays the live primitive on top of the persisted remote
// mirror; the primitive wins on conflicts.
func (s *Server) mergedSnapshot() map[string]store.Value {
	snap := s.remote.Snapshot()
	for k, v := range s.factory.Snapshot() {
		snap[k] = v
	}
	return snap
}
