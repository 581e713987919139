package threat

import (
	"context"
	"sync"
	"time"
)

// Blocklist holds time-limited IP blocks raised by enforcement instructions.
// It implements the risk package's block-check contract so active blocks
// feed straight back into scoring.
type Blocklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Block adds or extends a block on ip for the duration.
func (b *Blocklist) Block(ip string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry := b.now().Add(d)
	if current, ok := b.entries[ip]; !ok || expiry.After(current) {
		b.entries[ip] = expiry
	}
}

// IsBlocked reports whether ip is under an unexpired block.
func (b *Blocklist) IsBlocked(ip string) bool {
	b.mu.RLock()
	expiry, ok := b.entries[ip]
	b.mu.RUnlock()
	return ok && b.now().Before(expiry)
}

// Unblock removes a block early.
func (b *Blocklist) Unblock(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, ip)
}

// Len returns the number of unexpired blocks.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.now()
	n := 0
	for _, expiry := range b.entries {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

// CleanupLoop purges expired blocks on a ticker until the context is
// cancelled.
func (b *Blocklist) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			now := b.now()
			for ip, expiry := range b.entries {
				if now.After(expiry) {
					delete(b.entries, ip)
				}
			}
			b.mu.Unlock()
		}
	}
}
