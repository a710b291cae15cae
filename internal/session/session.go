// Package session manages inspector sessions and their bearer tokens.
//
// Tokens come in two flavors, chosen once per process: signed JWTs when a JWT
// secret is configured, otherwise opaque random tokens whose HMAC hash maps
// back to the session id. Either way a server-side session record is
// required, so revocation always works.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is a caller's privilege level. Roles form a total order:
// observer < editor < admin.
type Role string

const (
	RoleObserver Role = "observer"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleObserver: 0,
	RoleEditor:   1,
	RoleAdmin:    2,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// CanAct reports whether a caller holding role r may perform an action
// requiring the given role.
func CanAct(r, required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Session is the server-side record authorizing a caller.
type Session struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"createdAt"`           // ms since epoch
	ExpiresAt *int64 `json:"expiresAt,omitempty"` // ms since epoch; nil = no expiry
	Label     string `json:"label,omitempty"`
	IssuedBy  string `json:"issuedBy,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Context is the result of validating a token.
type Context struct {
	Session   *Session
	TokenType string // "jwt" or "opaque"
}

// CreateOptions parameterize CreateSession.
type CreateOptions struct {
	Role      Role
	TTL       time.Duration // 0 = store default, negative = never expires
	Label     string
	IssuedBy  string
	IP        string
	UserAgent string
}

const (
	jwtIssuer      = "fortistate"
	persistVersion = 1
)

var ErrBadRole = errors.New("invalid role")

// Store owns session records and token state, persisted as a single JSON file
// under the working directory.
type Store struct {
	path        string
	jwtSecret   []byte
	tokenSecret []byte
	ephemeral   bool
	defaultTTL  time.Duration
	maxSessions int
	logger      *slog.Logger
	debug       bool

	mu       sync.Mutex
	sessions map[string]*Session
	tokens   map[string]string // HMAC(token) hex → session id, opaque mode only
}

// Options configure a session store.
type Options struct {
	Root        string
	JWTSecret   string
	TokenSecret string
	DefaultTTL  time.Duration
	MaxSessions int
	Debug       bool
}

// NewStore creates a session store rooted at opts.Root and loads any
// persisted state.
func NewStore(opts Options, logger *slog.Logger) *Store {
	s := &Store{
		path:        filepath.Join(opts.Root, ".fortistate-sessions.json"),
		defaultTTL:  opts.DefaultTTL,
		maxSessions: opts.MaxSessions,
		logger:      logger.With("component", "sessions"),
		debug:       opts.Debug,
		sessions:    make(map[string]*Session),
		tokens:      make(map[string]string),
	}
	if s.defaultTTL == 0 {
		s.defaultTTL = 7 * 24 * time.Hour
	}
	if s.maxSessions == 0 {
		s.maxSessions = 500
	}

	if opts.JWTSecret != "" {
		s.jwtSecret = []byte(opts.JWTSecret)
	} else if len(opts.TokenSecret) >= 16 {
		s.tokenSecret = []byte(opts.TokenSecret)
	} else {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err == nil {
			s.tokenSecret = buf
			s.ephemeral = true
			s.logger.Warn("no session secret configured; using an ephemeral secret, tokens will not survive a restart")
		}
	}

	s.load()
	return s
}

// JWTMode reports whether the store mints JWTs.
func (s *Store) JWTMode() bool { return s.jwtSecret != nil }

// TokenType returns "jwt" or "opaque".
func (s *Store) TokenType() string {
	if s.JWTMode() {
		return "jwt"
	}
	return "opaque"
}

// CreateSession mints a session and its bearer token. The raw token is
// returned exactly once; in opaque mode only its hash is retained.
func (s *Store) CreateSession(opts CreateOptions) (*Session, string, string, error) {
	if !opts.Role.Valid() {
		return nil, "", "", ErrBadRole
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Role:      opts.Role,
		CreatedAt: now.UnixMilli(),
		Label:     opts.Label,
		IssuedBy:  opts.IssuedBy,
		IP:        opts.IP,
		UserAgent: opts.UserAgent,
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl).UnixMilli()
		sess.ExpiresAt = &exp
	}

	var token string
	var err error
	if s.JWTMode() {
		token, err = s.mintJWT(sess)
		if err != nil {
			return nil, "", "", fmt.Errorf("sign token: %w", err)
		}
	} else {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, "", "", fmt.Errorf("generate token: %w", err)
		}
		token = base64.RawURLEncoding.EncodeToString(raw)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if !s.JWTMode() {
		s.tokens[s.hashToken(token)] = sess.ID
	}
	s.evictOverCapLocked()
	s.mu.Unlock()

	s.persist()
	return sess, token, s.TokenType(), nil
}

// ValidateToken resolves a bearer token to a session context. Malformed,
// unknown, or expired tokens yield nil; errors are never surfaced to callers.
func (s *Store) ValidateToken(token string) *Context {
	if token == "" {
		return nil
	}
	if s.JWTMode() {
		return s.validateJWT(token)
	}
	return s.validateOpaque(token)
}

func (s *Store) validateOpaque(token string) *Context {
	hash := s.hashToken(token)

	s.mu.Lock()
	id, ok := s.tokens[hash]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		delete(s.tokens, hash)
		delete(s.sessions, id)
		s.mu.Unlock()
		s.persist()
		return nil
	}
	s.mu.Unlock()

	return &Context{Session: sess, TokenType: "opaque"}
}

func (s *Store) validateJWT(token string) *Context {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		if s.debug {
			s.logger.Debug("jwt validation failed", "error", err)
		}
		return nil
	}

	sid, _ := claims["sid"].(string)
	if sid == "" {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[sid]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, sid)
		s.mu.Unlock()
		s.persist()
		return nil
	}
	s.mu.Unlock()

	return &Context{Session: sess, TokenType: "jwt"}
}

// RevokeSession deletes a session. In opaque mode all hashes pointing at it
// are purged too.
func (s *Store) RevokeSession(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for hash, sid := range s.tokens {
			if sid == id {
				delete(s.tokens, hash)
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.persist()
	}
	return ok
}

// RevokeByToken resolves a token and revokes its session.
func (s *Store) RevokeByToken(token string) bool {
	ctx := s.ValidateToken(token)
	if ctx == nil {
		return false
	}
	return s.RevokeSession(ctx.Session.ID)
}

// ListSessions returns all sessions sorted by creation time.
func (s *Store) ListSessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// HasSessions reports whether any session exists.
func (s *Store) HasSessions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) > 0
}

// CleanupExpired removes expired sessions and returns the removal count.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			delete(s.sessions, id)
			for hash, sid := range s.tokens {
				if sid == id {
					delete(s.tokens, hash)
				}
			}
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.persist()
	}
	return removed
}

func (s *Store) expiredLocked(sess *Session) bool {
	return sess.ExpiresAt != nil && *sess.ExpiresAt <= time.Now().UnixMilli()
}

// evictOverCapLocked drops the oldest sessions past the configured cap.
func (s *Store) evictOverCapLocked() {
	for len(s.sessions) > s.maxSessions {
		oldestID := ""
		oldestAt := int64(0)
		for id, sess := range s.sessions {
			if oldestID == "" || sess.CreatedAt < oldestAt {
				oldestID, oldestAt = id, sess.CreatedAt
			}
		}
		delete(s.sessions, oldestID)
		for hash, sid := range s.tokens {
			if sid == oldestID {
				delete(s.tokens, hash)
			}
		}
	}
}

func (s *Store) mintJWT(sess *Session) (string, error) {
	claims := jwt.MapClaims{
		"sid":  sess.ID,
		"role": string(sess.Role),
		"iat":  sess.CreatedAt / 1000,
		"iss":  jwtIssuer,
	}
	if sess.ExpiresAt != nil {
		claims["exp"] = *sess.ExpiresAt / 1000
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *Store) hashToken(token string) string {
	mac := hmac.New(sha256.New, s.tokenSecret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// --- persistence ---

type persistedState struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
	Tokens   map[string]string   `json:"tokens,omitempty"`
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		if s.debug {
			s.logger.Debug("session file unreadable, starting fresh", "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range state.Sessions {
		s.sessions[id] = sess
	}
	// Hashes only resolve if the secret survived the restart.
	if !s.JWTMode() && !s.ephemeral {
		for hash, id := range state.Tokens {
			s.tokens[hash] = id
		}
	}
}

func (s *Store) persist() {
	s.mu.Lock()
	state := persistedState{
		Version:  persistVersion,
		Sessions: make(map[string]*Session, len(s.sessions)),
	}
	for id, sess := range s.sessions {
		state.Sessions[id] = sess
	}
	if !s.JWTMode() {
		state.Tokens = make(map[string]string, len(s.tokens))
		for h, id := range s.tokens {
			state.Tokens[h] = id
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err == nil {
		err = os.WriteFile(s.path, data, 0o600)
	}
	if err != nil && s.debug {
		s.logger.Debug("failed to persist sessions", "error", err)
	}
}
