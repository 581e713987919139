package authlog

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedIPs bounds memory even when an attacker rotates source
// addresses.
const maxTrackedIPs = 50000

// maxFailuresPerIP bounds the per-IP timestamp list; only the most recent
// failures matter for windowed counts.
const maxFailuresPerIP = 1000

// MemoryLog is the in-process FailureLog backend.
type MemoryLog struct {
	mu       sync.Mutex
	failures *lru.Cache[string, []time.Time]
	maxAge   time.Duration
}

// NewMemoryLog creates a memory-backed failure log. maxAge is how long a
// failure stays relevant; entries older than it are pruned on write.
func NewMemoryLog(maxAge time.Duration) *MemoryLog {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	cache, _ := lru.New[string, []time.Time](maxTrackedIPs)
	return &MemoryLog{failures: cache, maxAge: maxAge}
}

// RecordFailure records one failed attempt.
func (m *MemoryLog) RecordFailure(_ context.Context, ip, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	times, _ := m.failures.Get(ip)
	times = append(times, at)

	// Prune stale entries while we hold the list.
	cutoff := at.Add(-m.maxAge)
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) > maxFailuresPerIP {
		pruned = pruned[len(pruned)-maxFailuresPerIP:]
	}
	m.failures.Add(ip, pruned)
	return nil
}

// FailuresInWindow counts failures from ip in the trailing window.
func (m *MemoryLog) FailuresInWindow(_ context.Context, ip string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	times, ok := m.failures.Get(ip)
	if !ok {
		return 0, nil
	}
	cutoff := time.Now().Add(-window)
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// ActiveIPs returns every IP with recorded failures.
func (m *MemoryLog) ActiveIPs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures.Keys(), nil
}

// Reset clears the failure history for an IP.
func (m *MemoryLog) Reset(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures.Remove(ip)
	return nil
}
