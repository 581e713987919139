package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// notify.go — reliable security-team notification delivery.
//
// The core never delivers notifications itself; it hands "notify security
// team about finding Z" instructions to this dispatcher, which posts them to
// the configured webhook endpoints with exponential backoff. A transient 503
// from Slack shouldn't silently drop a CRITICAL finding.
// ---------------------------------------------------------------------------

// Notification is a single pending delivery.
type Notification struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
}

// NotifierConfig controls retry behavior.
type NotifierConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	Workers        int
}

// DefaultNotifierConfig returns sane defaults.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      1000,
		Workers:        2,
	}
}

// Notifier posts finding notifications to webhook URLs with retries.
type Notifier struct {
	logger zerolog.Logger
	cfg    NotifierConfig
	urls   []string
	queue  chan *Notification

	dlMu       sync.RWMutex
	deadLetter []*Notification

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier with background delivery workers.
func NewNotifier(logger zerolog.Logger, urls []string, cfg NotifierConfig) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		logger: logger.With().Str("component", "notifier").Logger(),
		cfg:    cfg,
		urls:   urls,
		queue:  make(chan *Notification, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Notify enqueues the payload for delivery to every configured webhook URL.
// Returns immediately; delivery happens in the background.
func (n *Notifier) Notify(payload map[string]any) {
	for _, url := range n.urls {
		delivery := &Notification{
			ID:        uuid.New().String(),
			URL:       url,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		select {
		case n.queue <- delivery:
		default:
			n.logger.Warn().Str("url", url).Msg("notification queue full — delivery dropped")
			n.addDeadLetter(delivery, "queue full")
		}
	}
}

// DeadLetters returns permanently failed deliveries for inspection.
func (n *Notifier) DeadLetters() []*Notification {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()
	out := make([]*Notification, len(n.deadLetter))
	copy(out, n.deadLetter)
	return out
}

// Stop shuts down the notifier workers.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info().Int("dead_letters", len(n.deadLetter)).Msg("notifier stopped")
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}

	for {
		select {
		case <-n.ctx.Done():
			return
		case delivery, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(client, delivery)
		}
	}
}

func (n *Notifier) deliver(client *http.Client, delivery *Notification) {
	backoff := n.cfg.InitialBackoff
	for delivery.Attempts < n.cfg.MaxRetries {
		delivery.Attempts++

		if err := n.post(client, delivery); err == nil {
			n.logger.Debug().Str("id", delivery.ID).Str("url", delivery.URL).Msg("notification delivered")
			return
		} else {
			delivery.LastError = err.Error()
			n.logger.Warn().Err(err).
				Str("url", delivery.URL).
				Int("attempt", delivery.Attempts).
				Msg("notification delivery failed")
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > n.cfg.MaxBackoff {
			backoff = n.cfg.MaxBackoff
		}
	}
	n.addDeadLetter(delivery, delivery.LastError)
}

func (n *Notifier) post(client *http.Client, delivery *Notification) error {
	data, err := json.Marshal(delivery.Payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, delivery.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &httpStatusError{status: resp.StatusCode}
	}
	return nil
}

func (n *Notifier) addDeadLetter(delivery *Notification, reason string) {
	n.dlMu.Lock()
	defer n.dlMu.Unlock()
	delivery.LastError = reason
	if len(n.deadLetter) >= 500 {
		n.deadLetter = n.deadLetter[len(n.deadLetter)/10:]
	}
	n.deadLetter = append(n.deadLetter, delivery)
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}
