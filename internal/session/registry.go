package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
)

// maxRecentRequests bounds the per-context request timestamp ring used for
// behavioral-density scoring.
const maxRecentRequests = 32

// SecurityContext is the trust state of one authenticated session.
type SecurityContext struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Role          string    `json:"role"`
	Permissions   []string  `json:"permissions,omitempty"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	MFAVerified   bool      `json:"mfa_verified"`
	DeviceTrusted bool      `json:"device_trusted"`
	RiskScore     int       `json:"risk_score"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`

	recentRequests []time.Time
}

// Key derives the deterministic session key for a (user, ip, device) triple.
// The key deliberately excludes any timestamp component so repeated requests
// from the same user/device/IP resolve to the same context. Device ID
// participates so two devices behind one NAT IP get distinct contexts.
func Key(userID, ipAddress, deviceID string) string {
	sum := sha256.Sum256([]byte(userID + "|" + ipAddress + "|" + deviceID))
	return hex.EncodeToString(sum[:])[:32]
}

// Registry owns the map of active security contexts. All mutation goes
// through it; the risk engine and threat monitor only see snapshots.
type Registry struct {
	mu          sync.RWMutex
	contexts    map[string]*SecurityContext
	idleTTL     time.Duration
	sweepEvery  time.Duration
	maxContexts int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRegistry creates a registry from the session config section.
func NewRegistry(cfg core.SessionConfig, logger zerolog.Logger) *Registry {
	idleTTL := time.Duration(cfg.IdleTTLMinutes) * time.Minute
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	sweep := time.Duration(cfg.SweepSeconds) * time.Second
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	return &Registry{
		contexts:    make(map[string]*SecurityContext),
		idleTTL:     idleTTL,
		sweepEvery:  sweep,
		maxContexts: cfg.MaxContexts,
		logger:      logger.With().Str("component", "session_registry").Logger(),
		now:         time.Now,
	}
}

// Resolve returns the context for the derived session key, creating it with
// a zero risk score on first sight. Trust signals are refreshed from the
// claims on every call so an MFA step-up is visible immediately. The caller
// gets a snapshot, never the live record — concurrent requests on the same
// session must not see each other's half-written fields, so all shared
// mutation goes through registry methods.
func (r *Registry) Resolve(claims core.Claims, conn core.ConnectionInfo) *SecurityContext {
	key := Key(claims.UserID, conn.IPAddress, claims.DeviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.contexts[key]; ok {
		sc.MFAVerified = claims.MFAVerified
		sc.DeviceTrusted = claims.DeviceTrusted
		sc.Role = claims.Role
		sc.Permissions = claims.Permissions
		sc.UserAgent = conn.UserAgent
		return snapshotLocked(sc)
	}

	if r.maxContexts > 0 && len(r.contexts) >= r.maxContexts {
		r.evictOldestLocked()
	}

	now := r.now()
	sc := &SecurityContext{
		SessionID:     key,
		UserID:        claims.UserID,
		TenantID:      claims.TenantID,
		Role:          claims.Role,
		Permissions:   claims.Permissions,
		IPAddress:     conn.IPAddress,
		UserAgent:     conn.UserAgent,
		DeviceID:      claims.DeviceID,
		MFAVerified:   claims.MFAVerified,
		DeviceTrusted: claims.DeviceTrusted,
		RiskScore:     0,
		CreatedAt:     now,
		LastActivity:  now,
	}
	r.contexts[key] = sc
	r.logger.Debug().Str("session_id", key).Str("user_id", claims.UserID).Msg("context created")
	return snapshotLocked(sc)
}

// snapshotLocked copies a context for handing outside the lock.
func snapshotLocked(sc *SecurityContext) *SecurityContext {
	cp := *sc
	cp.recentRequests = nil
	return &cp
}

// Get returns a snapshot of the context for a session ID, or nil.
func (r *Registry) Get(sessionID string) *SecurityContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.contexts[sessionID]
	if !ok {
		return nil
	}
	return snapshotLocked(sc)
}

// Touch records an accepted request: bumps LastActivity and appends to the
// bounded request ring.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.contexts[sessionID]
	if !ok {
		return
	}
	now := r.now()
	sc.LastActivity = now
	sc.recentRequests = append(sc.recentRequests, now)
	if len(sc.recentRequests) > maxRecentRequests {
		sc.recentRequests = sc.recentRequests[len(sc.recentRequests)-maxRecentRequests:]
	}
}

// SetRiskScore writes back a freshly computed risk score.
func (r *Registry) SetRiskScore(sessionID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.contexts[sessionID]; ok {
		sc.RiskScore = score
	}
}

// List returns a snapshot of all active contexts. Callers get copies — the
// background scans must never hold live references into the map.
func (r *Registry) List() []SecurityContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SecurityContext, 0, len(r.contexts))
	for _, sc := range r.contexts {
		cp := *sc
		cp.recentRequests = nil
		out = append(out, cp)
	}
	return out
}

// Revoke removes a context, forcing the session to re-resolve (and re-score)
// on its next request. Returns false if the session was not present.
func (r *Registry) Revoke(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[sessionID]; !ok {
		return false
	}
	delete(r.contexts, sessionID)
	r.logger.Info().Str("session_id", sessionID).Msg("session revoked")
	return true
}

// CountByUser returns the number of concurrent contexts for a user.
func (r *Registry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sc := range r.contexts {
		if sc.UserID == userID {
			n++
		}
	}
	return n
}

// RequestsSince counts accepted requests across all of a user's contexts
// within the window.
func (r *Registry) RequestsSince(userID string, window time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-window)
	n := 0
	for _, sc := range r.contexts {
		if sc.UserID != userID {
			continue
		}
		for _, ts := range sc.recentRequests {
			if ts.After(cutoff) {
				n++
			}
		}
	}
	return n
}

// MarkMFARequired clears the MFA flag on all of a user's contexts so the
// next request trips any REQUIRE_MFA policy. Persisting the requirement is
// the MFA flag store collaborator's job; this only changes in-memory trust
// state.
func (r *Registry) MarkMFARequired(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sc := range r.contexts {
		if sc.UserID == userID && sc.MFAVerified {
			sc.MFAVerified = false
			n++
		}
	}
	if n > 0 {
		r.logger.Info().Str("user_id", userID).Int("contexts", n).Msg("MFA re-verification required")
	}
	return n
}

// Len returns the number of active contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// AverageRiskScore returns the mean risk score across active contexts,
// or 0 when the registry is empty.
func (r *Registry) AverageRiskScore() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.contexts) == 0 {
		return 0
	}
	sum := 0
	for _, sc := range r.contexts {
		sum += sc.RiskScore
	}
	return float64(sum) / float64(len(r.contexts))
}

// CleanupLoop evicts idle contexts on a ticker until the context is
// cancelled.
func (r *Registry) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.sweep()
			if evicted > 0 {
				r.logger.Debug().Int("evicted", evicted).Msg("idle contexts evicted")
			}
		}
	}
}

func (r *Registry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTTL)
	evicted := 0
	for key, sc := range r.contexts {
		if sc.LastActivity.Before(cutoff) {
			delete(r.contexts, key)
			evicted++
		}
	}
	return evicted
}

// evictOldestLocked drops the least recently active context. Caller holds
// the write lock.
func (r *Registry) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, sc := range r.contexts {
		if oldestKey == "" || sc.LastActivity.Before(oldest) {
			oldestKey = key
			oldest = sc.LastActivity
		}
	}
	if oldestKey != "" {
		delete(r.contexts, oldestKey)
	}
}
