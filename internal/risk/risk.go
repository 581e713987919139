package risk

import (
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/session"
)

// Score contributions. All additive, clamped to [0,100].
const (
	contribNoMFA           = 20
	contribUntrustedDevice = 15
	contribBadIP           = 30
	contribExternalIP      = 5
	contribManySessions    = 10
	contribRequestBurst    = 15
	contribAdminPath       = 25
	contribOffHours        = 10
	contribWeekend         = 5
	contribExternalGeo     = 5

	maxScore = 100

	concurrentSessionLimit = 5
	requestBurstLimit      = 10
	requestBurstWindow     = 60 * time.Second

	cacheSize = 65536
)

type cachedScore struct {
	score         int
	at            time.Time
	mfaVerified   bool
	deviceTrusted bool
}

// Scorer computes the 0-100 trust-risk score for a (context, request) pair.
// Results are cached per (user, ip) for the configured TTL; the cache entry
// is invalidated immediately when the MFA or device-trust signal changes.
type Scorer struct {
	registry   *session.Registry
	reputation IPReputationSource
	geo        GeoLocationSource
	cache      *lru.Cache[string, cachedScore]
	cacheTTL   time.Duration
	adminPaths []string
	workStart  int
	workEnd    int
	logger     zerolog.Logger
	now        func() time.Time
	calls      atomic.Uint64
}

// NewScorer builds a scorer from the risk config section.
func NewScorer(cfg core.RiskConfig, registry *session.Registry, reputation IPReputationSource, geo GeoLocationSource, logger zerolog.Logger) *Scorer {
	cache, _ := lru.New[string, cachedScore](cacheSize)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	adminPaths := cfg.AdminPathPrefixes
	if len(adminPaths) == 0 {
		adminPaths = []string{"/admin"}
	}
	workStart, workEnd := cfg.WorkdayStartHour, cfg.WorkdayEndHour
	if workStart == 0 && workEnd == 0 {
		workStart, workEnd = 8, 18
	}
	return &Scorer{
		registry:   registry,
		reputation: reputation,
		geo:        geo,
		cache:      cache,
		cacheTTL:   ttl,
		adminPaths: adminPaths,
		workStart:  workStart,
		workEnd:    workEnd,
		logger:     logger.With().Str("component", "risk_scorer").Logger(),
		now:        time.Now,
	}
}

// Calls returns the number of full (uncached) score computations. Test
// instrumentation for the cache-reuse property.
func (s *Scorer) Calls() uint64 {
	return s.calls.Load()
}

// Score returns the risk score for the context and request, serving from
// the (user, ip) cache when the trust signals are unchanged within the TTL.
// An internal fault never propagates to the request path: an unscoreable
// request rates as maximal risk.
func (s *Scorer) Score(sc *session.SecurityContext, conn core.ConnectionInfo) (score int) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).
				Str("user_id", sc.UserID).
				Msg("scoring fault — treating request as maximal risk")
			score = maxScore
		}
	}()

	key := sc.UserID + "|" + conn.IPAddress
	now := s.now()

	if entry, ok := s.cache.Get(key); ok {
		fresh := now.Sub(entry.at) < s.cacheTTL
		unchanged := entry.mfaVerified == sc.MFAVerified && entry.deviceTrusted == sc.DeviceTrusted
		if fresh && unchanged {
			return entry.score
		}
		s.cache.Remove(key)
	}

	score = s.compute(sc, conn, now)
	s.cache.Add(key, cachedScore{
		score:         score,
		at:            now,
		mfaVerified:   sc.MFAVerified,
		deviceTrusted: sc.DeviceTrusted,
	})
	return score
}

func (s *Scorer) compute(sc *session.SecurityContext, conn core.ConnectionInfo, now time.Time) int {
	s.calls.Add(1)
	score := 0

	// Base trust deficit.
	if !sc.MFAVerified {
		score += contribNoMFA
	}
	if !sc.DeviceTrusted {
		score += contribUntrustedDevice
	}

	// IP reputation. A blocked IP is maximally risky no matter what else
	// the signals say.
	switch s.reputation.Lookup(conn.IPAddress) {
	case ReputationBlocked:
		return maxScore
	case ReputationBad:
		score += contribBadIP
	case ReputationExternal:
		score += contribExternalIP
	}

	// Behavioral density.
	if s.registry.CountByUser(sc.UserID) > concurrentSessionLimit {
		score += contribManySessions
	}
	if s.registry.RequestsSince(sc.UserID, requestBurstWindow) > requestBurstLimit {
		score += contribRequestBurst
	}
	if s.isAdminPath(conn.Path) && !strings.EqualFold(sc.Role, "ADMIN") {
		score += contribAdminPath
	}

	// Temporal: off-hours and weekend are alternative bands, not stacked —
	// the contribution is the maximum of the applicable two so off-hours
	// weekend traffic is not double-penalized.
	score += s.temporalContribution(now)

	// Coarse location.
	if loc := s.geo.Locate(conn.IPAddress); !loc.Private {
		score += contribExternalGeo
	}

	return clamp(score)
}

// temporalContribution returns max(off-hours, weekend) for the current
// local time.
func (s *Scorer) temporalContribution(now time.Time) int {
	contribution := 0
	hour := now.Hour()
	if hour < s.workStart || hour >= s.workEnd {
		contribution = contribOffHours
	}
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		if contribWeekend > contribution {
			contribution = contribWeekend
		}
	}
	return contribution
}

func (s *Scorer) isAdminPath(path string) bool {
	for _, prefix := range s.adminPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Invalidate drops the cache entry for a (user, ip) pair, forcing a full
// recomputation on the next request.
func (s *Scorer) Invalidate(userID, ip string) {
	s.cache.Remove(userID + "|" + ip)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
