package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/session"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// workdayMorning is a Monday, 10:00 — inside the default working band.
var workdayMorning = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeBlocklist struct{ blocked map[string]bool }

func (f *fakeBlocklist) IsBlocked(ip string) bool { return f.blocked[ip] }

func newTestScorer(t *testing.T, badIPs []string, blocked *fakeBlocklist) (*Scorer, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(core.SessionConfig{IdleTTLMinutes: 60}, zerolog.Nop())
	var checker BlockChecker
	if blocked != nil {
		checker = blocked
	}
	s := NewScorer(core.RiskConfig{CacheTTLSeconds: 300}, registry,
		NewStaticReputation(badIPs, checker), StaticGeo{}, zerolog.Nop())
	s.now = func() time.Time { return workdayMorning }
	return s, registry
}

func trustedContext(registry *session.Registry, userID, ip string) *session.SecurityContext {
	return registry.Resolve(core.Claims{
		UserID:        userID,
		Role:          "USER",
		DeviceID:      "dev-1",
		MFAVerified:   true,
		DeviceTrusted: true,
	}, core.ConnectionInfo{IPAddress: ip})
}

func conn(ip, path string) core.ConnectionInfo {
	return core.ConnectionInfo{IPAddress: ip, Path: path, Method: "GET"}
}

// ─── Baseline ────────────────────────────────────────────────────────────────

func TestScore_TrustedBaselineIsZero(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	if got := s.Score(sc, conn("10.0.0.5", "/api/data")); got != 0 {
		t.Errorf("Score() = %d, want 0 for fully trusted context", got)
	}
}

func TestScore_TrustDeficits(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := registry.Resolve(core.Claims{
		UserID:   "bob",
		Role:     "USER",
		DeviceID: "dev-2",
	}, conn("10.0.0.6", "/api/data"))

	// no MFA (20) + untrusted device (15)
	if got := s.Score(sc, conn("10.0.0.6", "/api/data")); got != 35 {
		t.Errorf("Score() = %d, want 35", got)
	}
}

// ─── IP Reputation ───────────────────────────────────────────────────────────

func TestScore_BlockedIPIsMaximal(t *testing.T) {
	bl := &fakeBlocklist{blocked: map[string]bool{"203.0.113.9": true}}
	s, registry := newTestScorer(t, nil, bl)
	sc := trustedContext(registry, "alice", "203.0.113.9")

	if got := s.Score(sc, conn("203.0.113.9", "/api/data")); got != 100 {
		t.Errorf("Score() = %d, want 100 for blocked IP", got)
	}
}

func TestScore_BadAndExternalIP(t *testing.T) {
	s, registry := newTestScorer(t, []string{"198.51.100.1"}, nil)

	bad := trustedContext(registry, "alice", "198.51.100.1")
	// bad IP (30) + external geo (5)
	if got := s.Score(bad, conn("198.51.100.1", "/api/data")); got != 35 {
		t.Errorf("Score() with bad IP = %d, want 35", got)
	}

	ext := trustedContext(registry, "bob", "198.51.100.7")
	// external IP (5) + external geo (5)
	if got := s.Score(ext, conn("198.51.100.7", "/api/data")); got != 10 {
		t.Errorf("Score() with external IP = %d, want 10", got)
	}
}

// ─── Behavioral Density ──────────────────────────────────────────────────────

func TestScore_ConcurrentSessionFanOut(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	var sc *session.SecurityContext
	for i := 0; i <= concurrentSessionLimit; i++ {
		sc = trustedContext(registry, "alice", fmt.Sprintf("10.0.0.%d", i+1))
	}

	if got := s.Score(sc, conn(sc.IPAddress, "/api/data")); got != contribManySessions {
		t.Errorf("Score() = %d, want %d for session fan-out", got, contribManySessions)
	}
}

func TestScore_RequestBurst(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")
	for i := 0; i <= requestBurstLimit; i++ {
		registry.Touch(sc.SessionID)
	}

	if got := s.Score(sc, conn("10.0.0.5", "/api/data")); got != contribRequestBurst {
		t.Errorf("Score() = %d, want %d for request burst", got, contribRequestBurst)
	}
}

func TestScore_AdminPath(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)

	user := trustedContext(registry, "alice", "10.0.0.5")
	if got := s.Score(user, conn("10.0.0.5", "/admin/users")); got != contribAdminPath {
		t.Errorf("Score() = %d, want %d for non-admin on admin path", got, contribAdminPath)
	}

	admin := registry.Resolve(core.Claims{
		UserID:        "root",
		Role:          "ADMIN",
		DeviceID:      "dev-9",
		MFAVerified:   true,
		DeviceTrusted: true,
	}, conn("10.0.0.6", "/admin/users"))
	if got := s.Score(admin, conn("10.0.0.6", "/admin/users")); got != 0 {
		t.Errorf("Score() = %d, want 0 for admin on admin path", got)
	}
}

// ─── Temporal ────────────────────────────────────────────────────────────────

func TestScore_TemporalIsMaxNotSum(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	// Saturday 03:00 — both off-hours and weekend apply; only the larger
	// contribution counts.
	s.now = func() time.Time { return time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC) }

	if got := s.Score(sc, conn("10.0.0.5", "/api/data")); got != contribOffHours {
		t.Errorf("Score() = %d, want %d (off-hours only, not stacked with weekend)", got, contribOffHours)
	}
}

func TestScore_WeekendDuringWorkHours(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	// Saturday 10:00 — weekend band only.
	s.now = func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) }

	if got := s.Score(sc, conn("10.0.0.5", "/api/data")); got != contribWeekend {
		t.Errorf("Score() = %d, want %d", got, contribWeekend)
	}
}

// ─── Caching ─────────────────────────────────────────────────────────────────

func TestScore_CacheReuse(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	s.Score(sc, conn("10.0.0.5", "/api/data"))
	s.Score(sc, conn("10.0.0.5", "/api/data"))

	if got := s.Calls(); got != 1 {
		t.Errorf("Calls() = %d, want 1 (second score must hit the cache)", got)
	}
}

func TestScore_CacheInvalidatedOnTrustChange(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	first := s.Score(sc, conn("10.0.0.5", "/api/data"))

	claims := core.Claims{UserID: "alice", Role: "USER", DeviceID: "dev-1", MFAVerified: false, DeviceTrusted: true}
	sc = registry.Resolve(claims, conn("10.0.0.5", "/api/data"))
	second := s.Score(sc, conn("10.0.0.5", "/api/data"))

	if s.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2 (trust change must bypass the cache)", s.Calls())
	}
	if second <= first {
		t.Errorf("score after losing MFA = %d, want > %d", second, first)
	}
}

func TestScore_CacheExpiry(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	s.Score(sc, conn("10.0.0.5", "/api/data"))
	s.now = func() time.Time { return workdayMorning.Add(10 * time.Minute) }
	s.Score(sc, conn("10.0.0.5", "/api/data"))

	if got := s.Calls(); got != 2 {
		t.Errorf("Calls() = %d, want 2 after TTL expiry", got)
	}
}

func TestInvalidate(t *testing.T) {
	s, registry := newTestScorer(t, nil, nil)
	sc := trustedContext(registry, "alice", "10.0.0.5")

	s.Score(sc, conn("10.0.0.5", "/api/data"))
	s.Invalidate("alice", "10.0.0.5")
	s.Score(sc, conn("10.0.0.5", "/api/data"))

	if got := s.Calls(); got != 2 {
		t.Errorf("Calls() = %d, want 2 after explicit invalidation", got)
	}
}

// ─── Fail Closed ─────────────────────────────────────────────────────────────

func TestScore_FaultRatesMaximalRisk(t *testing.T) {
	// nil registry makes compute panic; the request must still get a score.
	s := NewScorer(core.RiskConfig{CacheTTLSeconds: 300}, nil,
		NewStaticReputation(nil, nil), StaticGeo{}, zerolog.Nop())
	sc := &session.SecurityContext{UserID: "alice", MFAVerified: true, DeviceTrusted: true}

	if got := s.Score(sc, conn("198.51.100.7", "/api/data")); got != 100 {
		t.Errorf("Score() = %d, want 100 when scoring faults", got)
	}
}

// ─── Clamping ────────────────────────────────────────────────────────────────

func TestScore_ClampedAt100(t *testing.T) {
	s, registry := newTestScorer(t, []string{"198.51.100.1"}, nil)
	s.now = func() time.Time { return time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC) }

	sc := registry.Resolve(core.Claims{UserID: "eve", Role: "USER", DeviceID: "dev-6"},
		conn("198.51.100.1", "/admin/users"))
	for i := 0; i <= requestBurstLimit; i++ {
		registry.Touch(sc.SessionID)
	}

	got := s.Score(sc, conn("198.51.100.1", "/admin/users"))
	if got != 100 {
		// 20+15+30+15+25+10+5 = 120 before clamping
		t.Errorf("Score() = %d, want clamp at 100", got)
	}
}

// ─── Sources ─────────────────────────────────────────────────────────────────

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.1", true},
		{"172.16.0.1", true},
		{"127.0.0.1", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"203.0.113.9", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPrivate(tt.ip); got != tt.want {
			t.Errorf("IsPrivate(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestStaticReputation_BlockedWins(t *testing.T) {
	bl := &fakeBlocklist{blocked: map[string]bool{"198.51.100.1": true}}
	rep := NewStaticReputation([]string{"198.51.100.1"}, bl)
	if got := rep.Lookup("198.51.100.1"); got != ReputationBlocked {
		t.Errorf("Lookup() = %v, want ReputationBlocked", got)
	}
}

func TestStaticReputation_AddBad(t *testing.T) {
	rep := NewStaticReputation(nil, nil)
	if got := rep.Lookup("198.51.100.2"); got != ReputationExternal {
		t.Errorf("Lookup() before AddBad = %v, want ReputationExternal", got)
	}
	rep.AddBad("198.51.100.2")
	if got := rep.Lookup("198.51.100.2"); got != ReputationBad {
		t.Errorf("Lookup() after AddBad = %v, want ReputationBad", got)
	}
}
