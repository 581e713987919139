package authlog

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// authlog.go — failed-authentication signal store.
//
// Authentication itself happens upstream; this package only records the
// failure signals that authentication emits and answers the sliding-window
// queries the threat monitor asks. Two backends: in-process memory for
// single-instance deployments, Redis when counters must be shared across
// instances.
// ---------------------------------------------------------------------------

// FailureLog records authentication failures and answers windowed counts.
type FailureLog interface {
	// RecordFailure records one failed authentication attempt from ip at
	// time now.
	RecordFailure(ctx context.Context, ip, username string, at time.Time) error

	// FailuresInWindow returns the number of failures from ip within the
	// trailing window.
	FailuresInWindow(ctx context.Context, ip string, window time.Duration) (int, error)

	// ActiveIPs returns the IPs that have recorded at least one failure
	// recently. The brute-force scan iterates this set.
	ActiveIPs(ctx context.Context) ([]string, error)

	// Reset clears the failure history for an IP, typically after the
	// threat it fed into is resolved.
	Reset(ctx context.Context, ip string) error
}
