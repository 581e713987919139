package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zerogate-project/zerogate/internal/core"
)

// ---------------------------------------------------------------------------
// policy.go — declarative policy model.
//
// Policies are data, not code: a named, prioritized set of conditions
// (ANDed) mapped to actions. Adding, removing, or reordering policies never
// requires touching the evaluation engine.
// ---------------------------------------------------------------------------

// ConditionType enumerates the facts a condition can test.
type ConditionType string

const (
	CondUserRole   ConditionType = "USER_ROLE"
	CondIPRange    ConditionType = "IP_RANGE"
	CondTimeWindow ConditionType = "TIME_WINDOW"
	CondDeviceType ConditionType = "DEVICE_TYPE"
	CondRiskScore  ConditionType = "RISK_SCORE"
	CondMFAStatus  ConditionType = "MFA_STATUS"
	CondLocation   ConditionType = "LOCATION"
)

// Operator enumerates the comparisons a condition can apply.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpContains    Operator = "CONTAINS"
	OpInRange     Operator = "IN_RANGE"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
)

// ActionType enumerates the effects a matching policy can apply.
type ActionType string

const (
	ActionAllow           ActionType = "ALLOW"
	ActionDeny            ActionType = "DENY"
	ActionRequireMFA      ActionType = "REQUIRE_MFA"
	ActionRequireApproval ActionType = "REQUIRE_APPROVAL"
	ActionLogOnly         ActionType = "LOG_ONLY"
	ActionRateLimit       ActionType = "RATE_LIMIT"
)

// TrustedRangesSentinel is the reserved IP_RANGE value meaning "the
// configured private/internal prefixes".
const TrustedRangesSentinel = "TRUSTED_RANGES"

// DeviceTrustedSentinel is the DEVICE_TYPE value matched against the
// context's device-trust flag.
const DeviceTrustedSentinel = "TRUSTED"

// TimeWindow is a {start,end} local-time band. Minutes since midnight;
// Start > End describes a band wrapping past midnight.
type TimeWindow struct {
	StartMinute int
	EndMinute   int
}

// ParseTimeWindow parses "HH:MM" bounds.
func ParseTimeWindow(start, end string) (TimeWindow, error) {
	s, err := parseClock(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("parsing window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("parsing window end: %w", err)
	}
	return TimeWindow{StartMinute: s, EndMinute: e}, nil
}

func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}

// Contains reports whether the minute-of-day falls inside the band.
func (w TimeWindow) Contains(minute int) bool {
	if w.StartMinute <= w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	return minute >= w.StartMinute || minute < w.EndMinute
}

// Condition is a single typed test against the security context or request.
// The value field used depends on Type: Number for RISK_SCORE, Flag for
// MFA_STATUS, Text for roles/IPs/locations, Window for TIME_WINDOW.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Number   int           `json:"number,omitempty"`
	Flag     bool          `json:"flag,omitempty"`
	Text     string        `json:"text,omitempty"`
	Window   *TimeWindow   `json:"window,omitempty"`
}

// Action is a single effect with optional parameters (e.g. rate-limit
// window and threshold).
type Action struct {
	Type       ActionType        `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Policy is a named, prioritized rule. Lower priority evaluates first; ties
// keep registration order. Disabled policies are never evaluated.
type Policy struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Priority    int         `json:"priority"`
	Enabled     bool        `json:"enabled"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
}

// FromConfig converts the YAML policy set into engine policies. Policies
// with unparseable pieces are returned as errors, not silently loaded — a
// malformed rule must be visible at startup, not at decision time.
func FromConfig(cfg []core.PolicyYAML) ([]*Policy, error) {
	out := make([]*Policy, 0, len(cfg))
	for _, py := range cfg {
		p := &Policy{
			ID:          py.ID,
			Name:        py.Name,
			Description: py.Description,
			Priority:    py.Priority,
			Enabled:     py.Enabled,
		}
		for _, cy := range py.Conditions {
			cond := Condition{
				Type:     ConditionType(cy.Type),
				Operator: Operator(cy.Operator),
				Number:   cy.Number,
				Flag:     cy.Flag,
				Text:     cy.Text,
			}
			if cy.Window != nil {
				w, err := ParseTimeWindow(cy.Window.Start, cy.Window.End)
				if err != nil {
					return nil, fmt.Errorf("policy %q: %w", py.ID, err)
				}
				cond.Window = &w
			}
			p.Conditions = append(p.Conditions, cond)
		}
		for _, ay := range py.Actions {
			p.Actions = append(p.Actions, Action{
				Type:       ActionType(ay.Type),
				Parameters: ay.Parameters,
			})
		}
		out = append(out, p)
	}
	return out, nil
}
