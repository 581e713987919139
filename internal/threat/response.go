package threat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerogate-project/zerogate/internal/core"
)

// ---------------------------------------------------------------------------
// response.go — automated mitigation dispatch.
//
// The monitor raises findings; this responder turns them into enforcement
// instructions. Actual enforcement (firewall rules, IdP calls) happens in
// external collaborators consuming the enforcement subjects — the core only
// emits instructions and updates its own in-memory state (blocklist, MFA
// flags).
// ---------------------------------------------------------------------------

// InstructionKind enumerates the enforcement primitives.
type InstructionKind string

const (
	InstructionBlockIP    InstructionKind = "block_ip"
	InstructionRequireMFA InstructionKind = "require_mfa"
	InstructionNotify     InstructionKind = "notify"
)

// Instruction is the wire form of one enforcement action, published for
// external enforcement points.
type Instruction struct {
	ID              string          `json:"id"`
	Kind            InstructionKind `json:"kind"`
	Target          string          `json:"target"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Reason          string          `json:"reason"`
	FindingID       string          `json:"finding_id"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Publisher is the bus surface the responder needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Notifier delivers security-team notifications.
type Notifier interface {
	Notify(payload map[string]any)
}

// MFAMarker clears verified-MFA state so the next request steps up.
// Implemented by the session registry.
type MFAMarker interface {
	MarkMFARequired(userID string) int
}

// rule maps a finding type to the mitigations it triggers at or above a
// severity.
type rule struct {
	minSeverity core.Severity
	kinds       []InstructionKind
}

// Responder dispatches mitigations for findings. A (kind, target) pair is on
// cooldown after firing so a finding re-raised within the window does not
// stack duplicate instructions.
type Responder struct {
	blocklist *Blocklist
	mfa       MFAMarker
	publisher Publisher
	notifier  Notifier
	blockFor  time.Duration
	rules     map[Type]rule
	logger    zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	cooldown  time.Duration
	now       func() time.Time
}

// NewResponder creates a responder. publisher and notifier may be nil.
func NewResponder(blocklist *Blocklist, mfa MFAMarker, publisher Publisher, notifier Notifier, blockFor time.Duration, logger zerolog.Logger) *Responder {
	if blockFor <= 0 {
		blockFor = time.Hour
	}
	return &Responder{
		blocklist: blocklist,
		mfa:       mfa,
		publisher: publisher,
		notifier:  notifier,
		blockFor:  blockFor,
		rules: map[Type]rule{
			TypeBruteForce: {minSeverity: core.SeverityHigh, kinds: []InstructionKind{InstructionBlockIP, InstructionNotify}},
			TypeAnomalous:  {minSeverity: core.SeverityMedium, kinds: []InstructionKind{InstructionRequireMFA, InstructionNotify}},
		},
		logger:    logger.With().Str("component", "threat_responder").Logger(),
		cooldowns: make(map[string]time.Time),
		cooldown:  5 * time.Minute,
		now:       time.Now,
	}
}

// Respond executes the mitigations configured for the finding's type.
// Returns the instructions that actually fired.
func (r *Responder) Respond(d *Detection) []Instruction {
	rl, ok := r.rules[d.Type]
	if !ok || d.Severity < rl.minSeverity {
		return nil
	}

	var fired []Instruction
	for _, kind := range rl.kinds {
		key := fmt.Sprintf("%s:%s:%s", d.Type, kind, d.Target)
		if r.onCooldown(key) {
			continue
		}

		inst := Instruction{
			ID:        uuid.New().String(),
			Kind:      kind,
			Target:    d.Target,
			Reason:    d.Description,
			FindingID: d.ID,
			Timestamp: r.now().UTC(),
		}

		switch kind {
		case InstructionBlockIP:
			inst.DurationSeconds = int(r.blockFor.Seconds())
			r.blocklist.Block(d.Target, r.blockFor)
		case InstructionRequireMFA:
			if r.mfa != nil {
				cleared := r.mfa.MarkMFARequired(d.Target)
				r.logger.Info().Str("user_id", d.Target).Int("contexts", cleared).
					Msg("MFA step-up forced")
			}
		case InstructionNotify:
			if r.notifier != nil {
				r.notifier.Notify(map[string]any{
					"finding_id": d.ID,
					"type":       string(d.Type),
					"severity":   d.Severity.String(),
					"target":     d.Target,
					"details":    d.Description,
				})
			}
		}

		if r.publisher != nil {
			subject := "access.enforce." + string(kind)
			if err := r.publisher.PublishJSON(subject, inst); err != nil {
				r.logger.Error().Err(err).Str("subject", subject).
					Msg("failed to publish enforcement instruction")
			}
		}

		r.setCooldown(key)
		fired = append(fired, inst)
		r.logger.Info().
			Str("kind", string(kind)).
			Str("target", d.Target).
			Str("finding_id", d.ID).
			Msg("mitigation dispatched")
	}
	return fired
}

func (r *Responder) onCooldown(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.cooldowns[key]
	return ok && r.now().Sub(last) < r.cooldown
}

func (r *Responder) setCooldown(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[key] = r.now()
}
