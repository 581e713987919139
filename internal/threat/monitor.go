package threat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/authlog"
	"github.com/zerogate-project/zerogate/internal/core"
	"github.com/zerogate-project/zerogate/internal/session"
)

// Monitor runs the background detection scans. Each scan is independent: a
// fault in one cycle is logged and the next tick runs normally, so detection
// never takes down the request path.
type Monitor struct {
	failures  authlog.FailureLog
	registry  *session.Registry
	store     *Store
	responder *Responder
	publisher Publisher
	logger    zerolog.Logger

	bruteInterval  time.Duration
	bruteWindow    time.Duration
	bruteThreshold int

	anomalyInterval  time.Duration
	anomalyThreshold int
}

// NewMonitor creates a monitor from the threat config section. publisher may
// be nil when no bus is running.
func NewMonitor(cfg core.ThreatConfig, failures authlog.FailureLog, registry *session.Registry, store *Store, responder *Responder, publisher Publisher, logger zerolog.Logger) *Monitor {
	m := &Monitor{
		failures:         failures,
		registry:         registry,
		store:            store,
		responder:        responder,
		publisher:        publisher,
		logger:           logger.With().Str("component", "threat_monitor").Logger(),
		bruteInterval:    time.Duration(cfg.BruteForceIntervalSeconds) * time.Second,
		bruteWindow:      time.Duration(cfg.BruteForceWindowSeconds) * time.Second,
		bruteThreshold:   cfg.BruteForceThreshold,
		anomalyInterval:  time.Duration(cfg.AnomalyIntervalSeconds) * time.Second,
		anomalyThreshold: cfg.AnomalyContextThreshold,
	}
	if m.bruteInterval <= 0 {
		m.bruteInterval = time.Minute
	}
	if m.bruteWindow <= 0 {
		m.bruteWindow = time.Minute
	}
	if m.bruteThreshold <= 0 {
		m.bruteThreshold = 10
	}
	if m.anomalyInterval <= 0 {
		m.anomalyInterval = 5 * time.Minute
	}
	if m.anomalyThreshold <= 0 {
		m.anomalyThreshold = 5
	}
	return m
}

// Start launches the scan loops. They stop when the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, m.bruteInterval, m.ScanBruteForce)
	go m.loop(ctx, m.anomalyInterval, m.ScanAnomalies)
	m.logger.Info().
		Dur("brute_interval", m.bruteInterval).
		Dur("anomaly_interval", m.anomalyInterval).
		Msg("threat monitor started")
}

// publishFinding emits the raw finding on access.threats.<type> so SIEM-side
// consumers see detections, not just the enforcement they triggered.
func (m *Monitor) publishFinding(d *Detection) {
	if m.publisher == nil {
		return
	}
	subject := "access.threats." + string(d.Type)
	if err := m.publisher.PublishJSON(subject, d); err != nil {
		m.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish finding")
	}
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, scan func(context.Context) int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan(ctx)
		}
	}
}

// ScanBruteForce checks every recent failure source against the windowed
// threshold and raises one HIGH finding per offending IP. Returns the number
// of findings raised.
func (m *Monitor) ScanBruteForce(ctx context.Context) int {
	ips, err := m.failures.ActiveIPs(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("brute-force scan: listing failure sources")
		return 0
	}

	raised := 0
	for _, ip := range ips {
		count, err := m.failures.FailuresInWindow(ctx, ip, m.bruteWindow)
		if err != nil {
			m.logger.Error().Err(err).Str("ip", ip).Msg("brute-force scan: counting failures")
			continue
		}
		if count <= m.bruteThreshold {
			continue
		}
		if m.store.HasOpen(TypeBruteForce, ip) {
			continue
		}

		d := m.store.Create(TypeBruteForce, core.SeverityHigh, ip,
			fmt.Sprintf("%d failed authentication attempts from %s within %s", count, ip, m.bruteWindow),
			map[string]string{
				"failures": strconv.Itoa(count),
				"window":   m.bruteWindow.String(),
			})
		m.publishFinding(d)
		m.responder.Respond(d)
		raised++
		m.logger.Warn().
			Str("ip", ip).
			Int("failures", count).
			Str("finding_id", d.ID).
			Msg("brute-force pattern detected")
	}
	return raised
}

// ScanAnomalies walks the active contexts and raises one MEDIUM finding per
// user holding more concurrent contexts than the threshold. At most one
// finding per user per cycle; an open finding suppresses re-raising.
func (m *Monitor) ScanAnomalies(_ context.Context) int {
	perUser := make(map[string]int)
	for _, sc := range m.registry.List() {
		perUser[sc.UserID]++
	}

	raised := 0
	for userID, count := range perUser {
		if count <= m.anomalyThreshold {
			continue
		}
		if m.store.HasOpen(TypeAnomalous, userID) {
			continue
		}

		d := m.store.Create(TypeAnomalous, core.SeverityMedium, userID,
			fmt.Sprintf("user %s holds %d concurrent session contexts", userID, count),
			map[string]string{
				"contexts":  strconv.Itoa(count),
				"threshold": strconv.Itoa(m.anomalyThreshold),
			})
		m.publishFinding(d)
		m.responder.Respond(d)
		raised++
		m.logger.Warn().
			Str("user_id", userID).
			Int("contexts", count).
			Str("finding_id", d.ID).
			Msg("anomalous session fan-out detected")
	}
	return raised
}
