package core

import (
	"os"
	"path/filepath"
	"testing"
)

// ─── Defaults ────────────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port == 0 {
		t.Error("default server port must be set")
	}
	if len(cfg.Policy.Policies) != 3 {
		t.Errorf("default policy set has %d policies, want 3", len(cfg.Policy.Policies))
	}
	if cfg.Threat.BruteForceThreshold <= 0 {
		t.Error("brute-force threshold must default to a positive value")
	}
	if cfg.AuthLog.Backend != "memory" {
		t.Errorf("default authlog backend = %q, want memory", cfg.AuthLog.Backend)
	}
	if cfg.AuthEnabled() {
		t.Error("no API keys by default")
	}
}

// ─── Loading ─────────────────────────────────────────────────────────────────

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Error("missing file must fall back to defaults")
	}
}

func TestLoadConfig_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Session.IdleTTLMinutes = 30
	cfg.Risk.KnownBadIPs = []string{"198.51.100.1"}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", loaded.Server.Port)
	}
	if loaded.Session.IdleTTLMinutes != 30 {
		t.Errorf("IdleTTLMinutes = %d, want 30", loaded.Session.IdleTTLMinutes)
	}
	if len(loaded.Risk.KnownBadIPs) != 1 {
		t.Errorf("KnownBadIPs = %v, want one entry", loaded.Risk.KnownBadIPs)
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() should reject malformed YAML")
	}
}

func TestLoadConfig_EnvFallbacks(t *testing.T) {
	t.Setenv("ZEROGATE_API_KEY", "env-key")
	t.Setenv("ZEROGATE_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if !cfg.AuthEnabled() || !cfg.ValidateAPIKey("env-key") {
		t.Error("API key must fall back to ZEROGATE_API_KEY")
	}
	if cfg.Server.JWTSecret != "env-secret" {
		t.Error("JWT secret must fall back to ZEROGATE_JWT_SECRET")
	}
}

// ─── API Keys ────────────────────────────────────────────────────────────────

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIKeys = []string{"key-one", "key-two"}

	if !cfg.ValidateAPIKey("key-two") {
		t.Error("ValidateAPIKey() = false for configured key")
	}
	if cfg.ValidateAPIKey("key-three") {
		t.Error("ValidateAPIKey() = true for unknown key")
	}
	if cfg.ValidateAPIKey("") {
		t.Error("ValidateAPIKey() = true for empty key")
	}
}

// ─── Severity ────────────────────────────────────────────────────────────────

func TestSeverity_RoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if got := ParseSeverity(s.String()); got != s {
			t.Errorf("ParseSeverity(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseSeverity("NONSENSE"); got != SeverityInfo {
		t.Errorf("ParseSeverity(NONSENSE) = %v, want INFO default", got)
	}
}
