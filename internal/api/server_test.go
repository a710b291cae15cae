package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

type testEnv struct {
	cfg      *config.Config
	server   *Server
	http     *httptest.Server
	factory  *store.Factory
	sessions *session.Store
	audit    *audit.Log
	remote   *remote.Registry
	hub      *hub.Hub
	tele     *telemetry.Hub
}

func setupTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{Root: t.TempDir()}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.Default()
	factory := store.NewFactory()
	sessions := session.NewStore(session.Options{
		Root:        cfg.Root,
		TokenSecret: "test-secret-at-least-16-chars",
	}, logger)
	auditLog := audit.New(audit.Options{Root: cfg.Root}, logger)
	enforcer := auth.NewEnforcer(sessions, "", cfg.RequireSessions, false, logger)
	remoteReg := remote.NewRegistry(cfg.Root, "testns", false, logger)
	broadcastHub := hub.New(logger)
	broadcastHub.Bind(factory)
	t.Cleanup(broadcastHub.Close)
	tele := telemetry.NewHub(logger)
	rel := reloader.New(cfg.Root, reloader.JSONLoader{}, factory, remoteReg, broadcastHub, true, logger)
	t.Cleanup(rel.Close)
	rel.Refresh("startup")

	srv := NewServer(cfg, Deps{
		Factory:   factory,
		Sessions:  sessions,
		Audit:     auditLog,
		Enforcer:  enforcer,
		Presence:  presence.NewManager(),
		Remote:    remoteReg,
		Hub:       broadcastHub,
		Telemetry: tele,
		Reloader:  rel,
		Universes: universe.NewRegistry(cfg.Root, logger),
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		cfg: cfg, server: srv, http: ts,
		factory: factory, sessions: sessions, audit: auditLog,
		remote: remoteReg, hub: broadcastHub, tele: tele,
	}
}

func (e *testEnv) mintToken(t *testing.T, role session.Role) string {
	t.Helper()
	_, token, _, err := e.sessions.CreateSession(session.CreateOptions{Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("x-fortistate-token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.http.URL+"/register", nil)
	req.Header.Set("Origin", "http://app.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "x-fortistate-token") {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestCORSEchoesAllowlistedOrigin(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.AllowedOrigins = []string{"http://allowed.example"}
	})

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/history", nil)
	req.Header.Set("Origin", "http://allowed.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	env := setupTestServer(t, nil)

	huge := bytes.Repeat([]byte("x"), maxBodyBytes+1)
	resp, err := http.Post(env.http.URL+"/register", "application/json", bytes.NewReader(huge))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	env := setupTestServer(t, nil)
	resp, err := http.Post(env.http.URL+"/register", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRegisterChangeFlowWithAudit(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.request(t, "POST", "/register", "", map[string]any{
		"key": "cart", "initial": map[string]int{"items": 0},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp = env.request(t, "POST", "/change", "", map[string]any{
		"key": "cart", "value": map[string]int{"items": 3},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change status = %d", resp.StatusCode)
	}

	var stores map[string]json.RawMessage
	resp = env.request(t, "GET", "/remote-stores", "", nil)
	decodeBody(t, resp, &stores)
	if string(stores["cart"]) != `{"items":3}` {
		t.Errorf("remote cart = %s", stores["cart"])
	}

	// Every accepted mutation yields exactly one audit entry.
	actions := map[string]int{}
	for _, e := range env.audit.Tail(0) {
		actions[e.Action]++
	}
	if actions["register"] != 1 || actions["change"] != 1 {
		t.Errorf("audit actions = %v", actions)
	}

	hist := env.hub.History()
	if len(hist) != 2 {
		t.Errorf("history entries = %d, want 2", len(hist))
	}
}

func TestRoleGating(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) { c.RequireSessions = true })

	// Anonymous mutation denied.
	resp := env.request(t, "POST", "/change", "", map[string]any{"key": "k", "value": 1})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous change status = %d, want 401", resp.StatusCode)
	}

	// Observer on a mutating endpoint denied.
	observer := env.mintToken(t, session.RoleObserver)
	resp = env.request(t, "POST", "/change", observer, map[string]any{"key": "k", "value": 1})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("observer change status = %d, want 403", resp.StatusCode)
	}

	// Observer can read.
	resp = env.request(t, "GET", "/history", observer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("observer history status = %d", resp.StatusCode)
	}

	// Anonymous observation denied while sessions are required.
	resp = env.request(t, "GET", "/history", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous history status = %d, want 401", resp.StatusCode)
	}

	// Editor succeeds.
	editor := env.mintToken(t, session.RoleEditor)
	resp = env.request(t, "POST", "/change", editor, map[string]any{"key": "k", "value": 1})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("editor change status = %d", resp.StatusCode)
	}

	// Admin endpoints reject editors.
	resp = env.request(t, "GET", "/session/list", editor, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("editor session/list status = %d, want 403", resp.StatusCode)
	}
}

func TestMutationsGatedOnceSessionsExist(t *testing.T) {
	env := setupTestServer(t, nil)

	// Open mode before any session: anonymous mutation passes.
	resp := env.request(t, "POST", "/register", "", map[string]any{"key": "a", "initial": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open-mode register status = %d", resp.StatusCode)
	}

	admin := env.mintToken(t, session.RoleAdmin)

	resp = env.request(t, "POST", "/change", "", map[string]any{"key": "a", "value": 2})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous change with sessions present = %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, "POST", "/change", admin, map[string]any{"key": "a", "value": 2})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("credentialed change status = %d", resp.StatusCode)
	}
}

func TestSessionCurrentAnswersAnonymously(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) { c.RequireSessions = true })
	env.mintToken(t, session.RoleEditor)

	resp := env.request(t, "GET", "/session/current", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var doc map[string]any
	decodeBody(t, resp, &doc)
	if doc["session"] != nil || doc["via"] != "anonymous" {
		t.Errorf("current = %v", doc)
	}
}

func TestAnonymousObservationAllowedWithFlag(t *testing.T) {
	env := setupTestServer(t, func(c *config.Config) {
		c.RequireSessions = true
		c.AllowAnonSessions = true
	})
	resp := env.request(t, "GET", "/history", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionCreateLadder(t *testing.T) {
	env := setupTestServer(t, nil)

	// Bootstrap: first admin session minted anonymously in open mode.
	resp := env.request(t, "POST", "/session/create", "", map[string]any{"role": "admin", "label": "boot"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bootstrap status = %d", resp.StatusCode)
	}
	var created struct {
		Session   *session.Session `json:"session"`
		Token     string           `json:"token"`
		TokenType string           `json:"tokenType"`
	}
	decodeBody(t, resp, &created)
	if created.Token == "" || created.TokenType != "opaque" {
		t.Fatalf("created = %+v", created)
	}

	// Second anonymous admin request is refused now that sessions exist.
	resp = env.request(t, "POST", "/session/create", "", map[string]any{"role": "admin"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous admin mint status = %d, want 401", resp.StatusCode)
	}

	// The bootstrap admin can mint more admins.
	resp = env.request(t, "POST", "/session/create", created.Token, map[string]any{"role": "admin"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin-minted admin status = %d", resp.StatusCode)
	}

	resp = env.request(t, "POST", "/session/create", "", map[string]any{"role": "superuser"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad role status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionRevoke(t *testing.T) {
	env := setupTestServer(t, nil)
	admin := env.mintToken(t, session.RoleAdmin)
	victim := env.mintToken(t, session.RoleEditor)

	resp := env.request(t, "POST", "/session/revoke", admin, map[string]any{"token": victim})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	if env.sessions.ValidateToken(victim) != nil {
		t.Error("revoked token must not validate")
	}

	resp = env.request(t, "POST", "/session/revoke", admin, map[string]any{"sessionId": "nope"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditLogFormats(t *testing.T) {
	env := setupTestServer(t, nil)
	env.audit.Append("seed", "s1", "editor", nil)

	resp := env.request(t, "GET", "/audit/log?limit=10", "", nil)
	var doc struct {
		Entries []audit.Entry `json:"entries"`
	}
	decodeBody(t, resp, &doc)
	if len(doc.Entries) != 1 || doc.Entries[0].Action != "seed" {
		t.Errorf("entries = %+v", doc.Entries)
	}

	resp = env.request(t, "GET", "/audit/log?format=csv", "", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("csv content type = %q", ct)
	}

	resp = env.request(t, "GET", "/audit/log?format=nope", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad format status = %d", resp.StatusCode)
	}
}

func TestDuplicateSwapMove(t *testing.T) {
	env := setupTestServer(t, nil)
	env.factory.Create("alpha", json.RawMessage(`1`))
	env.factory.Create("beta", json.RawMessage(`2`))

	resp := env.request(t, "POST", "/duplicate-store", "", map[string]any{"key": "alpha"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	if got := env.factory.Get("alpha-copy"); got == nil || string(got.Get()) != `1` {
		t.Error("duplicate should copy the live value")
	}

	resp = env.request(t, "POST", "/swap-stores", "", map[string]any{"keyA": "alpha", "keyB": "beta"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("swap status = %d", resp.StatusCode)
	}
	if string(env.factory.Get("alpha").Get()) != `2` || string(env.factory.Get("beta").Get()) != `1` {
		t.Error("values should be swapped")
	}

	resp = env.request(t, "POST", "/move-store", "", map[string]any{"from": "beta", "to": "gamma"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move status = %d", resp.StatusCode)
	}
	if env.factory.Has("beta") || !env.factory.Has("gamma") {
		t.Error("move should rename the store")
	}

	resp = env.request(t, "POST", "/duplicate-store", "", map[string]any{"key": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing source status = %d, want 404", resp.StatusCode)
	}
}

func TestTelemetryPublish(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.request(t, "POST", "/telemetry", "", map[string]any{"event": "render", "ms": 12})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}
	buf := env.tele.Buffered()
	if len(buf) != 1 || !strings.Contains(string(buf[0]), `"render"`) {
		t.Errorf("buffered = %v", buf)
	}
}

func TestUniverseEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	body := map[string]any{
		"label":   "Test World",
		"ownerId": "o-1",
		"canvas": map[string]any{
			"nodes":    []any{map[string]any{"id": "n1"}},
			"edges":    []any{},
			"viewport": map[string]any{"x": 0, "y": 0, "zoom": 1},
		},
		"bindings": []any{map[string]any{"providerId": "stripe"}},
	}
	resp := env.request(t, "POST", "/api/universes", "", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		Universe *universe.Universe `json:"universe"`
		Version  *universe.Version  `json:"version"`
	}
	decodeBody(t, resp, &created)
	if created.Universe.ID != "test-world" || created.Version == nil {
		t.Fatalf("created = %+v", created)
	}

	resp = env.request(t, "GET", "/api/universes", "", nil)
	var list struct {
		Universes []*universe.Universe `json:"universes"`
	}
	decodeBody(t, resp, &list)
	if len(list.Universes) != 1 {
		t.Errorf("list = %+v", list.Universes)
	}

	resp = env.request(t, "GET", "/api/universes/test-world/versions/"+created.Version.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get version status = %d", resp.StatusCode)
	}

	resp = env.request(t, "POST", "/api/universes/test-world/launch", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("launch status = %d, want 202", resp.StatusCode)
	}

	resp = env.request(t, "DELETE", "/api/universes/test-world", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = env.request(t, "GET", "/api/universes/test-world/versions/"+created.Version.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("version after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestApplyPreset(t *testing.T) {
	env := setupTestServer(t, nil)
	// No presets loaded in this environment.
	resp := env.request(t, "POST", "/apply-preset", "", map[string]any{"name": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing preset status = %d, want 404", resp.StatusCode)
	}
}

func TestDebugEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	resp := env.request(t, "GET", "/debug", "", nil)
	var doc map[string]any
	decodeBody(t, resp, &doc)
	if doc["tokenType"] != "opaque" {
		t.Errorf("debug = %v", doc)
	}
}

func TestSetTokenRoundtrip(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.request(t, "GET", "/set-token", "", nil)
	var status map[string]any
	decodeBody(t, resp, &status)
	if status["configured"] != false {
		t.Fatalf("initial state = %v", status)
	}

	resp = env.request(t, "POST", "/set-token", "", map[string]any{"token": "dev-token"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}
	if got := ReadLegacyTokenFile(env.cfg.Root); got != "dev-token" {
		t.Errorf("persisted token = %q", got)
	}

	// The swapped token is live as a credential.
	resp = env.request(t, "GET", "/session/current", "dev-token", nil)
	var current map[string]any
	decodeBody(t, resp, &current)
	if current["via"] != "legacy-token" {
		t.Errorf("via = %v", current["via"])
	}
}
