package threat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zerogate-project/zerogate/internal/core"
)

// ---------------------------------------------------------------------------
// store.go — threat finding records and their lifecycle.
// ---------------------------------------------------------------------------

// Type enumerates the kinds of findings the monitor raises.
type Type string

const (
	TypeBruteForce   Type = "BRUTE_FORCE"
	TypeAnomalous    Type = "ANOMALOUS_BEHAVIOR"
	TypeSuspiciousIP Type = "SUSPICIOUS_IP"
	TypeLocation     Type = "UNUSUAL_LOCATION"
	TypeEscalation   Type = "PRIVILEGE_ESCALATION"
)

// Status is the triage state of a finding.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// terminal statuses accept no further transitions.
func (s Status) terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

var (
	// ErrUnknownThreat is returned when a finding ID does not exist.
	ErrUnknownThreat = errors.New("unknown threat finding")
	// ErrTerminalStatus is returned when a transition is attempted on a
	// resolved or false-positive finding.
	ErrTerminalStatus = errors.New("finding is in a terminal status")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Detection is one threat finding.
type Detection struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Severity    core.Severity     `json:"severity"`
	Status      Status            `json:"status"`
	Target      string            `json:"target"`
	Description string            `json:"description"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type   Type
	Status Status
	Target string
}

// maxDetections bounds store memory; the oldest terminal findings are
// dropped first when the cap is hit.
const maxDetections = 10000

// Store owns the finding records. Findings are only created by the monitor
// and only transition through UpdateStatus.
type Store struct {
	mu         sync.RWMutex
	detections map[string]*Detection
	order      []string
	now        func() time.Time
}

// NewStore creates an empty finding store.
func NewStore() *Store {
	return &Store{
		detections: make(map[string]*Detection),
		now:        time.Now,
	}
}

// Create records a new ACTIVE finding and returns it.
func (s *Store) Create(t Type, severity core.Severity, target, description string, evidence map[string]string) *Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	d := &Detection{
		ID:          uuid.New().String(),
		Type:        t,
		Severity:    severity,
		Status:      StatusActive,
		Target:      target,
		Description: description,
		Evidence:    evidence,
		DetectedAt:  now,
		UpdatedAt:   now,
	}
	if len(s.detections) >= maxDetections {
		s.evictLocked()
	}
	s.detections[d.ID] = d
	s.order = append(s.order, d.ID)
	return d
}

// Get returns a copy of the finding, or ErrUnknownThreat.
func (s *Store) Get(id string) (Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.detections[id]
	if !ok {
		return Detection{}, ErrUnknownThreat
	}
	return *d, nil
}

// UpdateStatus transitions a finding. ACTIVE may move to any other status;
// INVESTIGATING may only close out; RESOLVED and FALSE_POSITIVE are
// immutable.
func (s *Store) UpdateStatus(id string, next Status) (Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return Detection{}, ErrUnknownThreat
	}
	if d.Status.terminal() {
		return Detection{}, fmt.Errorf("%w: %s", ErrTerminalStatus, d.Status)
	}
	if !validTransition(d.Status, next) {
		return Detection{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = s.now().UTC()
	return *d, nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusInvestigating || to == StatusResolved || to == StatusFalsePositive
	case StatusInvestigating:
		return to == StatusResolved || to == StatusFalsePositive
	default:
		return false
	}
}

// List returns copies of findings matching the filter, newest first.
func (s *Store) List(f Filter) []Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Detection, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		d, ok := s.detections[s.order[i]]
		if !ok {
			continue
		}
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Target != "" && d.Target != f.Target {
			continue
		}
		out = append(out, *d)
	}
	return out
}

// ActiveCount returns the number of non-terminal findings.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.detections {
		if !d.Status.terminal() {
			n++
		}
	}
	return n
}

// HasOpen reports whether a non-terminal finding of the given type already
// targets the same entity. The monitor uses this to avoid re-raising a
// finding that is still being worked.
func (s *Store) HasOpen(t Type, target string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.detections {
		if d.Type == t && d.Target == target && !d.Status.terminal() {
			return true
		}
	}
	return false
}

// evictLocked drops the oldest terminal finding, falling back to the oldest
// finding of any status. Caller holds the write lock.
func (s *Store) evictLocked() {
	for i, id := range s.order {
		if d, ok := s.detections[id]; ok && d.Status.terminal() {
			delete(s.detections, id)
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
	if len(s.order) > 0 {
		delete(s.detections, s.order[0])
		s.order = s.order[1:]
	}
}
