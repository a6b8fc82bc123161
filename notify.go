package zkfleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zkfleet/zkfleet/internal/env"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Notification is one fleet event worth telling an operator about.
type Notification struct {
	Severity  Severity `json:"severity"`
	Operation string   `json:"operation"`
	Device    string   `json:"device,omitempty"`
	Message   string   `json:"message"`
}

// Notifier delivers fleet events to an external channel. Delivery failures
// are the caller's to log; they must never fail the operation that raised
// the event.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }

// NewNoopNotifier returns a notifier that discards everything.
func NewNoopNotifier() Notifier { return noopNotifier{} }

// webhookNotifier posts events as JSON text payloads, the shape generic chat
// webhooks (Slack-compatible ones included) accept.
type webhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a notifier posting to url.
func NewWebhookNotifier(url string) Notifier {
	return &webhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *webhookNotifier) Notify(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("[%s] %s", n.Severity, n.Operation)
	if n.Device != "" {
		text += " device=" + n.Device
	}
	if n.Message != "" {
		text += ": " + n.Message
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// rateLimitedNotifier drops events beyond limit per window for each
// operation/device pair, so a flapping terminal cannot flood the webhook.
// Suppression is not a delivery failure; suppressed events return nil.
type rateLimitedNotifier struct {
	inner  Notifier
	limit  int
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	sent map[string][]time.Time
}

// NewRateLimitedNotifier wraps inner with a sliding-window limit. A limit of
// zero or less disables limiting and returns inner unchanged.
func NewRateLimitedNotifier(inner Notifier, limit int, window time.Duration) Notifier {
	if limit <= 0 || window <= 0 {
		return inner
	}
	return &rateLimitedNotifier{
		inner:  inner,
		limit:  limit,
		window: window,
		clock:  time.Now,
		sent:   make(map[string][]time.Time),
	}
}

func (r *rateLimitedNotifier) Notify(ctx context.Context, n Notification) error {
	key := n.Operation + "/" + n.Device
	now := r.clock()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	list := r.sent[key]
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	list = list[idx:]
	if len(list) >= r.limit {
		r.sent[key] = list
		r.mu.Unlock()
		log.Debug().Str("operation", n.Operation).Str("device", n.Device).
			Int("limit", r.limit).Dur("window", r.window).
			Msg("notification suppressed by rate limit")
		return nil
	}
	r.sent[key] = append(list, now)
	r.mu.Unlock()

	return r.inner.Notify(ctx, n)
}

// NewNotifierFromEnv returns a webhook notifier when NOTIFY_WEBHOOK_URL is
// set and a noop one otherwise. Webhook delivery is rate limited per
// operation/device pair (NOTIFY_RATE_LIMIT events per NOTIFY_RATE_WINDOW,
// zero disables).
func NewNotifierFromEnv() Notifier {
	url := env.String("NOTIFY_WEBHOOK_URL", "")
	if url == "" {
		log.Debug().Msg("NOTIFY_WEBHOOK_URL not set, notifications disabled")
		return noopNotifier{}
	}
	limit := env.Int("NOTIFY_RATE_LIMIT", 20)
	window := env.Duration("NOTIFY_RATE_WINDOW", time.Hour)
	log.Info().Str("url", url).Int("rate_limit", limit).Dur("rate_window", window).
		Msg("webhook notifications enabled")
	return NewRateLimitedNotifier(NewWebhookNotifier(url), limit, window)
}

// notify pushes an event and logs delivery failures without propagating them.
func notify(ctx context.Context, n Notifier, event Notification) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event); err != nil {
		log.Warn().Str("operation", event.Operation).Err(err).Msg("notification delivery failed")
	}
}
