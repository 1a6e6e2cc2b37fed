// Package notify delivers critical-flag notifications to an operator webhook
// and enforces a per-dedupe-key cooldown so a flapping detector cannot page
// the operator more than once per window.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/internal/circuitbreaker"
	"github.com/opsdeck/opsdeck/internal/metrics"
	"github.com/opsdeck/opsdeck/internal/retry"
	"github.com/opsdeck/opsdeck/internal/sanitize"
)

// ErrNoEvent is returned by EventStore.LastNotified when a dedupe key has
// never been notified.
var ErrNoEvent = errors.New("notify: no event recorded")

// EventStore remembers the most recent notification time per dedupe key.
type EventStore interface {
	LastNotified(ctx context.Context, dedupeKey string) (time.Time, error)
	MarkNotified(ctx context.Context, dedupeKey string, at time.Time) error
}

// Gate applies the cooldown policy on top of an EventStore.
type Gate struct {
	store    EventStore
	cooldown time.Duration
	now      func() time.Time
}

// NewGate creates a cooldown gate. A non-positive cooldown disables the
// gate: every check passes.
func NewGate(store EventStore, cooldown time.Duration) *Gate {
	return &Gate{store: store, cooldown: cooldown, now: time.Now}
}

// WithClock overrides the gate's clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Allow reports whether a notification for dedupeKey may be sent now, and if
// so records the send time. A repeat inside the cooldown window is refused;
// the first check after the window passes again.
func (g *Gate) Allow(ctx context.Context, dedupeKey string) (bool, error) {
	if g.cooldown <= 0 {
		return true, nil
	}

	now := g.now()
	last, err := g.store.LastNotified(ctx, dedupeKey)
	switch {
	case errors.Is(err, ErrNoEvent):
		// First notification for this key.
	case err != nil:
		return false, fmt.Errorf("cooldown lookup: %w", err)
	case now.Sub(last) < g.cooldown:
		return false, nil
	}

	if err := g.store.MarkNotified(ctx, dedupeKey, now); err != nil {
		return false, fmt.Errorf("cooldown mark: %w", err)
	}
	return true, nil
}

// Message is the payload delivered to the operator webhook.
type Message struct {
	ID        string    `json:"id"`
	DedupeKey string    `json:"dedupeKey"`
	Title     string    `json:"title"`
	Severity  string    `json:"severity"`
	RuleKey   string    `json:"ruleKey"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers a message to the operator.
type Notifier interface {
	Send(ctx context.Context, msg *Message) error
}

// NoopNotifier drops every message. Used when no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, msg *Message) error { return nil }

// WebhookNotifier posts messages to a configured URL, signing the body with
// HMAC-SHA256 so the receiver can verify origin. Message detail is run
// through credential sanitization before it leaves the process. Transient
// delivery failures are retried with backoff; a receiver that keeps failing
// trips a circuit so the engine stops hammering it for a while.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker

	maxAttempts int
	retryDelay  time.Duration
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, 2*time.Minute),
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

func (n *WebhookNotifier) Send(ctx context.Context, msg *Message) error {
	out := *msg
	out.Detail = sanitize.Message(out.Detail)
	out.Title = sanitize.Message(out.Title)

	payload, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if !n.breaker.Allow(n.url) {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return errors.New("deliver notification: receiver circuit open")
	}

	err = retry.Do(ctx, n.maxAttempts, n.retryDelay, func() error {
		return n.post(ctx, payload, out.Timestamp)
	})
	if err != nil {
		n.breaker.RecordFailure(n.url)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("deliver notification: %s", sanitize.Error(err))
	}
	n.breaker.RecordSuccess(n.url)
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

// post performs one delivery attempt. A 4xx is permanent: the receiver saw
// the request and refused it, so repeating the identical body cannot help.
func (n *WebhookNotifier) post(ctx context.Context, payload []byte, ts time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build notification request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsdeck-Event", "risk_flag.critical")
	req.Header.Set("X-Opsdeck-Timestamp", fmt.Sprintf("%d", ts.Unix()))
	if n.secret != "" {
		req.Header.Set("X-Opsdeck-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
