package config

import (
	"testing"
	"time"
)

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"500ms", 500 * time.Millisecond},
		{"30s", 30 * time.Second},
		{"90m", 90 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"1500", 1500 * time.Millisecond},
		{"1.5h", 90 * time.Minute},
	}
	for _, c := range cases {
		got, err := ParseTTL(c.in)
		if err != nil {
			t.Fatalf("ParseTTL(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseTTL(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseTTLInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12x", "h"} {
		if _, err := ParseTTL(in); err == nil {
			t.Errorf("ParseTTL(%q) should fail", in)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("FORTISTATE_REQUIRE_SESSIONS", "1")
	t.Setenv("FORTISTATE_SESSION_TTL", "2h")
	t.Setenv("FORTISTATE_SESSION_MAX", "10")
	t.Setenv("FORTISTATE_INSPECTOR_ALLOW_ORIGIN", "http://a.example, http://b.example")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.RequireSessions {
		t.Error("RequireSessions should be set")
	}
	if cfg.SessionTTL != 2*time.Hour {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.SessionMax != 10 {
		t.Errorf("SessionMax = %d", cfg.SessionMax)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://a.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestFromEnvBadTTL(t *testing.T) {
	t.Setenv("FORTISTATE_SESSION_TTL", "nope")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for invalid TTL")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if cfg.Addr != ":4000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.SessionMax != 500 {
		t.Errorf("SessionMax = %d", cfg.SessionMax)
	}
	if cfg.AuditMaxSizeBytes != 1<<20 {
		t.Errorf("AuditMaxSizeBytes = %d", cfg.AuditMaxSizeBytes)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}
