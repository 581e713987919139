package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/policy"
	"github.com/zerogate-project/zerogate/internal/risk"
	"github.com/zerogate-project/zerogate/internal/session"
	"github.com/zerogate-project/zerogate/internal/threat"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type capturingBus struct {
	mu     sync.Mutex
	events []*core.DecisionEvent
}

func (b *capturingBus) PublishDecision(event *core.DecisionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *capturingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *capturingBus) last() *core.DecisionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return b.events[len(b.events)-1]
}

func newTestEngine(t *testing.T, bus DecisionPublisher) (*Engine, *session.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	registry := session.NewRegistry(core.SessionConfig{IdleTTLMinutes: 60}, logger)
	blocklist := threat.NewBlocklist()
	scorer := risk.NewScorer(core.RiskConfig{CacheTTLSeconds: 300},
		registry, risk.NewStaticReputation(nil, blocklist), risk.StaticGeo{}, logger)

	policies := policy.NewEngine(nil, logger)
	loaded, err := policy.FromConfig(core.DefaultConfig().Policy.Policies)
	if err != nil {
		t.Fatalf("FromConfig() error: %v", err)
	}
	for _, p := range loaded {
		policies.Add(p)
	}

	return NewEngine(registry, scorer, policies, threat.NewStore(), blocklist, bus, logger), registry
}

func trustedClaims(userID string) core.Claims {
	return core.Claims{
		UserID:        userID,
		Role:          "USER",
		DeviceID:      "dev-1",
		MFAVerified:   true,
		DeviceTrusted: true,
	}
}

func internalConn(path string) core.ConnectionInfo {
	return core.ConnectionInfo{IPAddress: "10.0.0.5", UserAgent: "test", Path: path, Method: "GET"}
}

// ─── Pipeline ────────────────────────────────────────────────────────────────

func TestAuthenticateRequest_TrustedRequestAllowed(t *testing.T) {
	bus := &capturingBus{}
	e, _ := newTestEngine(t, bus)

	d := e.AuthenticateRequest(context.Background(), trustedClaims("alice"), internalConn("/api/data"))

	if !d.Allowed {
		t.Fatalf("Allowed = false, reason %q", d.Reason)
	}
	if d.Context == nil || d.Context.UserID != "alice" {
		t.Error("decision must carry the resolved security context")
	}
	if bus.count() != 1 {
		t.Errorf("published %d decision events, want 1", bus.count())
	}
	if ev := bus.last(); ev.Effect != string(policy.EffectAllow) || ev.UserID != "alice" {
		t.Errorf("published event = %+v, want ALLOW for alice", ev)
	}
}

func TestAuthenticateRequest_MissingSubjectDenied(t *testing.T) {
	bus := &capturingBus{}
	e, registry := newTestEngine(t, bus)

	d := e.AuthenticateRequest(context.Background(), core.Claims{}, internalConn("/api/data"))

	if d.Allowed {
		t.Error("Allowed = true for empty subject")
	}
	if d.Decision.Effect != policy.EffectDeny {
		t.Errorf("Effect = %v, want DENY", d.Decision.Effect)
	}
	if registry.Len() != 0 {
		t.Error("no context may be created for an invalid token")
	}
	if bus.count() != 0 {
		t.Error("no decision event for an invalid token")
	}
}

func TestAuthenticateRequest_BlockedIPDenied(t *testing.T) {
	bus := &capturingBus{}
	e, _ := newTestEngine(t, bus)
	e.blocklist.Block("203.0.113.9", time.Hour)

	conn := core.ConnectionInfo{IPAddress: "203.0.113.9", Path: "/api/data", Method: "GET"}
	d := e.AuthenticateRequest(context.Background(), trustedClaims("eve"), conn)

	if d.Allowed {
		t.Error("Allowed = true from a blocked IP")
	}
	if d.Context.RiskScore != 100 {
		t.Errorf("RiskScore = %d, want 100 for blocked IP", d.Context.RiskScore)
	}
	if ev := bus.last(); ev == nil || ev.Effect != string(policy.EffectDeny) {
		t.Errorf("published event = %+v, want DENY", ev)
	}
}

func TestAuthenticateRequest_StepUpThenAllowAfterMFA(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	// No MFA, untrusted device, external address, admin path: the decision
	// must track the computed score through the policy thresholds.
	claims := core.Claims{UserID: "bob", Role: "USER", DeviceID: "dev-2"}
	conn := core.ConnectionInfo{IPAddress: "198.51.100.7", Path: "/admin/users", Method: "GET"}

	d := e.AuthenticateRequest(context.Background(), claims, conn)
	switch {
	case d.Context.RiskScore > 90:
		if d.Decision.Effect != policy.EffectDeny {
			t.Errorf("score %d got %v, want DENY", d.Context.RiskScore, d.Decision.Effect)
		}
	case d.Context.RiskScore > 70:
		if d.Decision.Effect != policy.EffectStepUp {
			t.Errorf("score %d got %v, want STEP_UP", d.Context.RiskScore, d.Decision.Effect)
		}
	default:
		if d.Decision.Effect != policy.EffectAllow {
			t.Errorf("score %d got %v, want ALLOW", d.Context.RiskScore, d.Decision.Effect)
		}
	}

	// After MFA verification the same session scores lower and is allowed.
	claims.MFAVerified = true
	claims.DeviceTrusted = true
	d2 := e.AuthenticateRequest(context.Background(), claims, conn)
	if d2.Context.RiskScore >= d.Context.RiskScore {
		t.Errorf("score after MFA = %d, want lower than %d", d2.Context.RiskScore, d.Context.RiskScore)
	}
	if !d2.Allowed {
		t.Errorf("verified session denied with score %d: %s", d2.Context.RiskScore, d2.Reason)
	}
}

func TestAuthenticateRequest_ConcurrentSameSession(t *testing.T) {
	e, registry := newTestEngine(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			claims := trustedClaims("alice")
			claims.MFAVerified = g%2 == 0
			for i := 0; i < 50; i++ {
				e.AuthenticateRequest(context.Background(), claims, internalConn("/api/data"))
			}
		}(g)
	}
	wg.Wait()

	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after concurrent requests on one session", registry.Len())
	}
}

func TestAuthenticateRequest_ScoreWrittenBack(t *testing.T) {
	e, registry := newTestEngine(t, nil)

	d := e.AuthenticateRequest(context.Background(),
		core.Claims{UserID: "bob", Role: "USER", DeviceID: "dev-2"},
		internalConn("/api/data"))

	stored := registry.Get(d.Context.SessionID)
	if stored == nil || stored.RiskScore != d.Context.RiskScore {
		t.Error("computed risk score must be written back to the registry")
	}
	if d.Context.RiskScore == 0 {
		t.Error("an unverified context should not score zero")
	}
}

func TestAuthenticateRequest_TouchOnlyWhenAllowed(t *testing.T) {
	e, registry := newTestEngine(t, nil)
	e.blocklist.Block("203.0.113.9", time.Hour)

	conn := core.ConnectionInfo{IPAddress: "203.0.113.9", Path: "/api/data", Method: "GET"}
	e.AuthenticateRequest(context.Background(), trustedClaims("eve"), conn)

	if got := registry.RequestsSince("eve", time.Hour); got != 0 {
		t.Errorf("denied request counted toward the activity window: %d", got)
	}

	e.AuthenticateRequest(context.Background(), trustedClaims("alice"), internalConn("/api/data"))
	if got := registry.RequestsSince("alice", time.Hour); got != 1 {
		t.Errorf("allowed request not recorded: RequestsSince() = %d, want 1", got)
	}
}

// ─── Management Surface ──────────────────────────────────────────────────────

func TestSessionManagement(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.AuthenticateRequest(context.Background(), trustedClaims("alice"), internalConn("/api/data"))
	sessions := e.ListActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("ListActiveSessions() = %d, want 1", len(sessions))
	}

	if !e.RevokeSession(d.Context.SessionID) {
		t.Error("RevokeSession() = false for live session")
	}
	if e.RevokeSession(d.Context.SessionID) {
		t.Error("RevokeSession() = true for revoked session")
	}
	if len(e.ListActiveSessions()) != 0 {
		t.Error("session list not empty after revocation")
	}
}

func TestGetMetrics(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.AuthenticateRequest(context.Background(), trustedClaims("alice"), internalConn("/api/data"))
	e.blocklist.Block("203.0.113.9", time.Hour)

	m := e.GetMetrics()
	if m.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", m.ActiveSessions)
	}
	if m.BlockedIPs != 1 {
		t.Errorf("BlockedIPs = %d, want 1", m.BlockedIPs)
	}
	if m.PoliciesEnabled != 3 {
		t.Errorf("PoliciesEnabled = %d, want 3", m.PoliciesEnabled)
	}
}

func TestPolicyManagement(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if got := len(e.ListPolicies()); got != 3 {
		t.Fatalf("ListPolicies() = %d, want 3", got)
	}
	if !e.SetPolicyEnabled("deny-critical-risk", false) {
		t.Error("SetPolicyEnabled() = false for known policy")
	}
	if e.GetMetrics().PoliciesEnabled != 2 {
		t.Error("disabling a policy must reflect in metrics")
	}
}
