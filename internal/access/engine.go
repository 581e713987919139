package access

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/policy"
	"github.com/zerogate-project/zerogate/internal/risk"
	"github.com/zerogate-project/zerogate/internal/session"
	"github.com/zerogate-project/zerogate/internal/threat"
)

// ---------------------------------------------------------------------------
// engine.go — the access decision façade.
//
// One entry point ties the pipeline together: resolve the security context,
// score the request, evaluate the policy set, record the outcome, publish
// the decision event. Everything behind it stays independently testable.
// ---------------------------------------------------------------------------

// DecisionPublisher is the slice of the event bus the engine needs.
type DecisionPublisher interface {
	PublishDecision(event *core.DecisionEvent) error
}

// AuthDecision is the full outcome returned to the API layer.
type AuthDecision struct {
	Allowed  bool                     `json:"allowed"`
	Decision policy.Decision          `json:"decision"`
	Context  *session.SecurityContext `json:"context,omitempty"`
	Reason   string                   `json:"reason"`
}

// Engine is the adaptive access-control core.
type Engine struct {
	registry  *session.Registry
	scorer    *risk.Scorer
	policies  *policy.Engine
	threats   *threat.Store
	blocklist *threat.Blocklist
	publisher DecisionPublisher
	logger    zerolog.Logger
}

// NewEngine wires the façade. publisher may be nil when no bus is running
// (tests, single-shot evaluation tools).
func NewEngine(registry *session.Registry, scorer *risk.Scorer, policies *policy.Engine, threats *threat.Store, blocklist *threat.Blocklist, publisher DecisionPublisher, logger zerolog.Logger) *Engine {
	return &Engine{
		registry:  registry,
		scorer:    scorer,
		policies:  policies,
		threats:   threats,
		blocklist: blocklist,
		publisher: publisher,
		logger:    logger.With().Str("component", "access_engine").Logger(),
	}
}

// AuthenticateRequest runs the decision pipeline for one validated request.
// claims come from the already-verified token; conn describes the transport.
func (e *Engine) AuthenticateRequest(ctx context.Context, claims core.Claims, conn core.ConnectionInfo) AuthDecision {
	if strings.TrimSpace(claims.UserID) == "" {
		return AuthDecision{
			Allowed:  false,
			Decision: policy.Decision{Effect: policy.EffectDeny, Reason: "invalid token: missing subject"},
			Reason:   "invalid token: missing subject",
		}
	}

	sc := e.registry.Resolve(claims, conn)

	score := e.scorer.Score(sc, conn)
	e.registry.SetRiskScore(sc.SessionID, score)
	sc.RiskScore = score

	decision := e.policies.Evaluate(sc, conn)
	allowed := decision.Effect == policy.EffectAllow

	if allowed {
		e.registry.Touch(sc.SessionID)
	}

	e.publish(sc, conn, decision)

	e.logger.Debug().
		Str("user_id", claims.UserID).
		Str("session_id", sc.SessionID).
		Int("risk_score", score).
		Str("effect", string(decision.Effect)).
		Msg("access decision")

	return AuthDecision{
		Allowed:  allowed,
		Decision: decision,
		Context:  sc,
		Reason:   decision.Reason,
	}
}

func (e *Engine) publish(sc *session.SecurityContext, conn core.ConnectionInfo, decision policy.Decision) {
	if e.publisher == nil {
		return
	}
	event := core.NewDecisionEvent(sc.UserID, sc.SessionID)
	event.TenantID = sc.TenantID
	event.IPAddress = conn.IPAddress
	event.Path = conn.Path
	event.Method = conn.Method
	event.Effect = string(decision.Effect)
	event.Reason = decision.Reason
	event.RiskScore = sc.RiskScore
	if err := e.publisher.PublishDecision(event); err != nil {
		e.logger.Error().Err(err).Msg("failed to publish decision event")
	}
}

// ListActiveSessions returns a snapshot of the registered contexts.
func (e *Engine) ListActiveSessions() []session.SecurityContext {
	return e.registry.List()
}

// RevokeSession removes a session context. Returns false if unknown.
func (e *Engine) RevokeSession(sessionID string) bool {
	return e.registry.Revoke(sessionID)
}

// ListThreats returns findings matching the filter.
func (e *Engine) ListThreats(f threat.Filter) []threat.Detection {
	return e.threats.List(f)
}

// UpdateThreatStatus transitions a finding's triage state.
func (e *Engine) UpdateThreatStatus(id string, status threat.Status) (threat.Detection, error) {
	return e.threats.UpdateStatus(id, status)
}

// ListPolicies returns the registered policy set in evaluation order.
func (e *Engine) ListPolicies() []policy.Policy {
	return e.policies.List()
}

// SetPolicyEnabled toggles a policy at runtime.
func (e *Engine) SetPolicyEnabled(id string, enabled bool) bool {
	return e.policies.SetEnabled(id, enabled)
}

// Metrics is the operational summary served by the API.
type Metrics struct {
	ActiveSessions   int     `json:"active_sessions"`
	ActiveThreats    int     `json:"active_threats"`
	BlockedIPs       int     `json:"blocked_ips"`
	PoliciesEnabled  int     `json:"policies_enabled"`
	AverageRiskScore float64 `json:"average_risk_score"`
}

// GetMetrics returns the current operational summary.
func (e *Engine) GetMetrics() Metrics {
	m := Metrics{
		ActiveSessions:   e.registry.Len(),
		ActiveThreats:    e.threats.ActiveCount(),
		PoliciesEnabled:  e.policies.EnabledCount(),
		AverageRiskScore: e.registry.AverageRiskScore(),
	}
	if e.blocklist != nil {
		m.BlockedIPs = e.blocklist.Len()
	}
	return m
}
