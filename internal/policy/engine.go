package policy

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/risk"
	"github.com/zerogate-project/zerogate/internal/session"
)

// Effect is the final outcome of an evaluation pass.
type Effect string

const (
	EffectAllow  Effect = "ALLOW"
	EffectDeny   Effect = "DENY"
	EffectStepUp Effect = "STEP_UP"
)

// Decision is the outcome of evaluating the full policy set against one
// request. Obligations carry the non-terminal actions (LOG_ONLY, RATE_LIMIT)
// of every matched policy so the caller can honor them on an allowed
// request.
type Decision struct {
	Effect         Effect     `json:"effect"`
	PolicyID       string     `json:"policy_id,omitempty"`
	RequiredAction ActionType `json:"required_action,omitempty"`
	Reason         string     `json:"reason"`
	Obligations    []Action   `json:"obligations,omitempty"`
}

// Engine evaluates the registered policy set. Evaluation order is priority
// ascending, with registration order breaking ties, so the same context and
// request always produce the same decision.
type Engine struct {
	mu       sync.RWMutex
	policies []*Policy
	warned   map[string]bool
	geo      risk.GeoLocationSource
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates an engine with an optional geolocation source for
// LOCATION conditions.
func NewEngine(geo risk.GeoLocationSource, logger zerolog.Logger) *Engine {
	return &Engine{
		warned: make(map[string]bool),
		geo:    geo,
		logger: logger.With().Str("component", "policy_engine").Logger(),
		now:    time.Now,
	}
}

// Add registers a policy. Later additions with equal priority evaluate after
// earlier ones.
func (e *Engine) Add(p *Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append(e.policies, p)
	e.logger.Info().Str("policy_id", p.ID).Int("priority", p.Priority).Msg("policy registered")
}

// Remove unregisters a policy by ID. Returns false if no such policy.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.policies {
		if p.ID == id {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			delete(e.warned, id)
			return true
		}
	}
	return false
}

// SetEnabled toggles a policy without removing it. Returns false if no such
// policy.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.policies {
		if p.ID == id {
			p.Enabled = enabled
			return true
		}
	}
	return false
}

// List returns a snapshot of the registered policies in evaluation order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.ordered() {
		out = append(out, *p)
	}
	return out
}

// EnabledCount returns the number of enabled policies.
func (e *Engine) EnabledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, p := range e.policies {
		if p.Enabled {
			n++
		}
	}
	return n
}

// ordered returns the policies sorted by priority ascending, registration
// order preserved within a priority. Caller holds at least the read lock.
func (e *Engine) ordered() []*Policy {
	out := make([]*Policy, len(e.policies))
	copy(out, e.policies)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Evaluate runs the policy set against the context and request.
//
// The first blocking action wins: DENY returns immediately, and so do
// REQUIRE_MFA (when the session has not already verified MFA) and
// REQUIRE_APPROVAL — a lower-priority policy can never override an earlier
// step-up. LOG_ONLY and RATE_LIMIT accumulate as obligations on an otherwise
// allowed request. A policy whose conditions cannot be evaluated is skipped
// for the rest of the process lifetime rather than failing the request.
func (e *Engine) Evaluate(sc *session.SecurityContext, conn core.ConnectionInfo) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	decision := Decision{Effect: EffectAllow, Reason: "no policy matched"}

	for _, p := range e.ordered() {
		if !p.Enabled {
			continue
		}

		matched, err := e.matches(p, sc, conn)
		if err != nil {
			if !e.warned[p.ID] {
				e.warned[p.ID] = true
				e.logger.Warn().Err(err).Str("policy_id", p.ID).
					Msg("policy excluded from evaluation")
			}
			continue
		}
		if !matched {
			continue
		}

		for _, action := range p.Actions {
			switch action.Type {
			case ActionDeny:
				return Decision{
					Effect:   EffectDeny,
					PolicyID: p.ID,
					Reason:   fmt.Sprintf("denied by policy %q", p.Name),
				}
			case ActionRequireMFA:
				if !sc.MFAVerified {
					return Decision{
						Effect:         EffectStepUp,
						PolicyID:       p.ID,
						RequiredAction: ActionRequireMFA,
						Reason:         fmt.Sprintf("policy %q requires MFA", p.Name),
						Obligations:    decision.Obligations,
					}
				}
			case ActionRequireApproval:
				return Decision{
					Effect:         EffectStepUp,
					PolicyID:       p.ID,
					RequiredAction: ActionRequireApproval,
					Reason:         fmt.Sprintf("policy %q requires approval", p.Name),
					Obligations:    decision.Obligations,
				}
			case ActionAllow:
				if decision.Effect == EffectAllow && decision.PolicyID == "" {
					decision.PolicyID = p.ID
					decision.Reason = fmt.Sprintf("allowed by policy %q", p.Name)
				}
			case ActionLogOnly, ActionRateLimit:
				decision.Obligations = append(decision.Obligations, action)
			default:
				if !e.warned[p.ID] {
					e.warned[p.ID] = true
					e.logger.Warn().Str("policy_id", p.ID).
						Str("action", string(action.Type)).
						Msg("policy excluded from evaluation: unknown action")
				}
			}
		}
	}

	return decision
}

// matches reports whether every condition of the policy holds. Conditions
// are ANDed; an unevaluable condition poisons the whole policy.
func (e *Engine) matches(p *Policy, sc *session.SecurityContext, conn core.ConnectionInfo) (bool, error) {
	if len(p.Conditions) == 0 {
		return false, fmt.Errorf("policy has no conditions")
	}
	for _, cond := range p.Conditions {
		ok, err := e.evalCondition(cond, sc, conn)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalCondition(c Condition, sc *session.SecurityContext, conn core.ConnectionInfo) (bool, error) {
	switch c.Type {
	case CondRiskScore:
		return compareInt(sc.RiskScore, c.Number, c.Operator)
	case CondMFAStatus:
		return compareBool(sc.MFAVerified, c.Flag, c.Operator)
	case CondUserRole:
		return compareText(sc.Role, c.Text, c.Operator)
	case CondDeviceType:
		if strings.EqualFold(c.Text, DeviceTrustedSentinel) {
			return compareBool(sc.DeviceTrusted, true, c.Operator)
		}
		return false, fmt.Errorf("unknown device type %q", c.Text)
	case CondIPRange:
		return e.evalIPRange(c, conn.IPAddress)
	case CondTimeWindow:
		if c.Window == nil {
			return false, fmt.Errorf("TIME_WINDOW condition missing window")
		}
		now := e.now()
		inside := c.Window.Contains(now.Hour()*60 + now.Minute())
		return applyNegation(inside, c.Operator)
	case CondLocation:
		if e.geo == nil {
			return false, fmt.Errorf("LOCATION condition with no geolocation source")
		}
		loc := e.geo.Locate(conn.IPAddress)
		return compareText(loc.CountryCode, c.Text, c.Operator)
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func (e *Engine) evalIPRange(c Condition, ip string) (bool, error) {
	var inside bool
	if c.Text == TrustedRangesSentinel {
		inside = risk.IsPrivate(ip)
	} else {
		prefix, err := netip.ParsePrefix(c.Text)
		if err != nil {
			return false, fmt.Errorf("invalid IP range %q: %w", c.Text, err)
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return false, nil
		}
		inside = prefix.Contains(addr)
	}
	return applyNegation(inside, c.Operator)
}

// applyNegation maps a membership result through an equality-style operator.
func applyNegation(inside bool, op Operator) (bool, error) {
	switch op {
	case OpEquals, OpInRange, OpContains:
		return inside, nil
	case OpNotEquals:
		return !inside, nil
	default:
		return false, fmt.Errorf("unsupported operator %q for membership condition", op)
	}
}

func compareInt(have, want int, op Operator) (bool, error) {
	switch op {
	case OpEquals:
		return have == want, nil
	case OpNotEquals:
		return have != want, nil
	case OpGreaterThan:
		return have > want, nil
	case OpLessThan:
		return have < want, nil
	default:
		return false, fmt.Errorf("unsupported operator %q for numeric condition", op)
	}
}

func compareBool(have, want bool, op Operator) (bool, error) {
	switch op {
	case OpEquals:
		return have == want, nil
	case OpNotEquals:
		return have != want, nil
	default:
		return false, fmt.Errorf("unsupported operator %q for boolean condition", op)
	}
}

func compareText(have, want string, op Operator) (bool, error) {
	switch op {
	case OpEquals:
		return strings.EqualFold(have, want), nil
	case OpNotEquals:
		return !strings.EqualFold(have, want), nil
	case OpContains:
		return strings.Contains(strings.ToLower(have), strings.ToLower(want)), nil
	default:
		return false, fmt.Errorf("unsupported operator %q for text condition", op)
	}
}
