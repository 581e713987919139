package threat

import (
	"errors"
	"testing"

	"github.com/zerogate-project/zerogate/internal/core"
)

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestCreate(t *testing.T) {
	s := NewStore()
	d := s.Create(TypeBruteForce, core.SeverityHigh, "203.0.113.9", "test finding", nil)

	if d.ID == "" {
		t.Error("Create() must assign an ID")
	}
	if d.Status != StatusActive {
		t.Errorf("Status = %v, want ACTIVE", d.Status)
	}
	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Target != "203.0.113.9" {
		t.Errorf("Target = %q, want 203.0.113.9", got.Target)
	}
}

func TestGet_Unknown(t *testing.T) {
	s := NewStore()
	if _, err := s.Get("no-such"); !errors.Is(err, ErrUnknownThreat) {
		t.Errorf("Get() error = %v, want ErrUnknownThreat", err)
	}
}

func TestUpdateStatus_Transitions(t *testing.T) {
	s := NewStore()
	d := s.Create(TypeBruteForce, core.SeverityHigh, "203.0.113.9", "x", nil)

	updated, err := s.UpdateStatus(d.ID, StatusInvestigating)
	if err != nil {
		t.Fatalf("ACTIVE -> INVESTIGATING error: %v", err)
	}
	if updated.Status != StatusInvestigating {
		t.Errorf("Status = %v, want INVESTIGATING", updated.Status)
	}

	if _, err := s.UpdateStatus(d.ID, StatusResolved); err != nil {
		t.Fatalf("INVESTIGATING -> RESOLVED error: %v", err)
	}
}

func TestUpdateStatus_TerminalIsImmutable(t *testing.T) {
	s := NewStore()
	d := s.Create(TypeBruteForce, core.SeverityHigh, "203.0.113.9", "x", nil)
	if _, err := s.UpdateStatus(d.ID, StatusResolved); err != nil {
		t.Fatalf("resolving: %v", err)
	}

	if _, err := s.UpdateStatus(d.ID, StatusActive); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("transition from RESOLVED: error = %v, want ErrTerminalStatus", err)
	}
	if _, err := s.UpdateStatus(d.ID, StatusInvestigating); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("transition from RESOLVED: error = %v, want ErrTerminalStatus", err)
	}
}

func TestUpdateStatus_InvestigatingCannotReopen(t *testing.T) {
	s := NewStore()
	d := s.Create(TypeAnomalous, core.SeverityMedium, "alice", "x", nil)
	if _, err := s.UpdateStatus(d.ID, StatusInvestigating); err != nil {
		t.Fatalf("ACTIVE -> INVESTIGATING error: %v", err)
	}

	if _, err := s.UpdateStatus(d.ID, StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("INVESTIGATING -> ACTIVE: error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateStatus_Unknown(t *testing.T) {
	s := NewStore()
	if _, err := s.UpdateStatus("no-such", StatusResolved); !errors.Is(err, ErrUnknownThreat) {
		t.Errorf("UpdateStatus() error = %v, want ErrUnknownThreat", err)
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func TestList_Filters(t *testing.T) {
	s := NewStore()
	s.Create(TypeBruteForce, core.SeverityHigh, "203.0.113.9", "x", nil)
	s.Create(TypeAnomalous, core.SeverityMedium, "alice", "y", nil)
	d := s.Create(TypeBruteForce, core.SeverityHigh, "198.51.100.1", "z", nil)
	if _, err := s.UpdateStatus(d.ID, StatusResolved); err != nil {
		t.Fatalf("resolving: %v", err)
	}

	if got := len(s.List(Filter{})); got != 3 {
		t.Errorf("List(all) = %d findings, want 3", got)
	}
	if got := len(s.List(Filter{Type: TypeBruteForce})); got != 2 {
		t.Errorf("List(brute force) = %d, want 2", got)
	}
	if got := len(s.List(Filter{Status: StatusActive})); got != 2 {
		t.Errorf("List(active) = %d, want 2", got)
	}
	if got := len(s.List(Filter{Target: "alice"})); got != 1 {
		t.Errorf("List(target alice) = %d, want 1", got)
	}
}

func TestCreate_AllFindingTypes(t *testing.T) {
	s := NewStore()
	for _, typ := range []Type{TypeBruteForce, TypeAnomalous, TypeSuspiciousIP, TypeLocation, TypeEscalation} {
		s.Create(typ, core.SeverityMedium, "target", "x", nil)
		if got := len(s.List(Filter{Type: typ})); got != 1 {
			t.Errorf("List(%s) = %d findings, want 1", typ, got)
		}
	}
}

func TestList_NewestFirst(t *testing.T) {
	s := NewStore()
	s.Create(TypeBruteForce, core.SeverityHigh, "first", "x", nil)
	s.Create(TypeBruteForce, core.SeverityHigh, "second", "y", nil)

	out := s.List(Filter{})
	if len(out) != 2 || out[0].Target != "second" {
		t.Errorf("List() order = %v, want newest first", []string{out[0].Target, out[1].Target})
	}
}

func TestActiveCount(t *testing.T) {
	s := NewStore()
	s.Create(TypeBruteForce, core.SeverityHigh, "a", "x", nil)
	d := s.Create(TypeBruteForce, core.SeverityHigh, "b", "y", nil)
	if _, err := s.UpdateStatus(d.ID, StatusFalsePositive); err != nil {
		t.Fatalf("closing: %v", err)
	}

	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestHasOpen(t *testing.T) {
	s := NewStore()
	d := s.Create(TypeBruteForce, core.SeverityHigh, "203.0.113.9", "x", nil)

	if !s.HasOpen(TypeBruteForce, "203.0.113.9") {
		t.Error("HasOpen() = false for an ACTIVE finding")
	}
	if s.HasOpen(TypeAnomalous, "203.0.113.9") {
		t.Error("HasOpen() must be type-scoped")
	}

	if _, err := s.UpdateStatus(d.ID, StatusResolved); err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if s.HasOpen(TypeBruteForce, "203.0.113.9") {
		t.Error("HasOpen() = true after the finding was resolved")
	}
}
