package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a threat finding or notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity converts a severity name to a Severity, defaulting to INFO.
func ParseSeverity(s string) Severity {
	switch s {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// DecisionEvent is the record of a single access decision, published to the
// bus so downstream consumers (SIEM, audit trail) can observe the engine's
// behavior without sitting in the request path.
type DecisionEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	Effect    string    `json:"effect"`
	Reason    string    `json:"reason,omitempty"`
	RiskScore int       `json:"risk_score"`
}

// NewDecisionEvent creates a DecisionEvent with a generated ID and current
// timestamp.
func NewDecisionEvent(userID, sessionID string) *DecisionEvent {
	return &DecisionEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		SessionID: sessionID,
	}
}

// AuthFailureEvent is the wire form of a failed-authentication signal
// received from the external authentication collaborator on
// access.authfail.>.
type AuthFailureEvent struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
	Username  string    `json:"username,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
