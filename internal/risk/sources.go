package risk

import (
	"net/netip"
	"sync"
)

// ---------------------------------------------------------------------------
// sources.go — collaborator interfaces for external trust signals.
//
// IP reputation and geolocation are external feeds in production. The core
// only defines the lookup contracts and ships static implementations fed
// from config, so tests can inject deterministic fakes.
// ---------------------------------------------------------------------------

// Reputation classifies an IP address for scoring purposes.
type Reputation int

const (
	// ReputationPrivate is an internal/trusted range address.
	ReputationPrivate Reputation = iota
	// ReputationExternal is a routable address with no bad history.
	ReputationExternal
	// ReputationBad is a known-bad address from the reputation feed.
	ReputationBad
	// ReputationBlocked is an address under an active enforcement block —
	// scored maximally risky regardless of other signals.
	ReputationBlocked
)

// IPReputationSource resolves an IP address to a reputation class.
type IPReputationSource interface {
	Lookup(ip string) Reputation
}

// Location is the coarse location of an IP address.
type Location struct {
	CountryCode string
	Private     bool
}

// GeoLocationSource resolves an IP address to a coarse location.
type GeoLocationSource interface {
	Locate(ip string) Location
}

// BlockChecker reports whether an IP is under an active block instruction.
// Implemented by the threat monitor's blocklist; wired in so enforcement
// feeds back into scoring.
type BlockChecker interface {
	IsBlocked(ip string) bool
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivate reports whether the IP falls inside the internal/trusted
// prefixes. Unparseable addresses are not private.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// StaticReputation is a config-fed reputation source: a known-bad set plus
// an optional block-list feedback hook.
type StaticReputation struct {
	mu      sync.RWMutex
	bad     map[string]bool
	blocked BlockChecker
}

// NewStaticReputation builds a reputation source from a known-bad IP list.
// blocked may be nil.
func NewStaticReputation(badIPs []string, blocked BlockChecker) *StaticReputation {
	bad := make(map[string]bool, len(badIPs))
	for _, ip := range badIPs {
		bad[ip] = true
	}
	return &StaticReputation{bad: bad, blocked: blocked}
}

// Lookup classifies the IP. Block-list membership wins over everything else.
func (s *StaticReputation) Lookup(ip string) Reputation {
	if s.blocked != nil && s.blocked.IsBlocked(ip) {
		return ReputationBlocked
	}
	s.mu.RLock()
	isBad := s.bad[ip]
	s.mu.RUnlock()
	if isBad {
		return ReputationBad
	}
	if IsPrivate(ip) {
		return ReputationPrivate
	}
	return ReputationExternal
}

// AddBad adds an IP to the known-bad set at runtime.
func (s *StaticReputation) AddBad(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bad[ip] = true
}

// StaticGeo is a geolocation source that only distinguishes private ranges;
// a real deployment swaps in a provider-backed implementation.
type StaticGeo struct{}

// Locate returns the coarse location of the IP.
func (StaticGeo) Locate(ip string) Location {
	return Location{Private: IsPrivate(ip)}
}
