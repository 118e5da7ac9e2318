package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chatwire/session-gateway/internal/observability"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Options configures the webhook dispatcher. An empty URL disables external
// delivery entirely; Dispatch then only feeds the recent-events window.
type Options struct {
	URL           string
	SigningSecret string
	Attempts      int
	BaseDelay     time.Duration
	ServiceName   string
	HTTPTimeout   time.Duration
}

// Dispatcher delivers event envelopes to one configured endpoint with bounded
// linear-backoff retries. Delivery is fire-and-forget: Dispatch never blocks
// on the network and never reports delivery failure to its caller.
type Dispatcher struct {
	opts   Options
	client *http.Client
	recent RecentEventsStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewDispatcher(opts Options, recent RecentEventsStore, logger *slog.Logger) *Dispatcher {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	return &Dispatcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.HTTPTimeout},
		recent: recent,
		logger: logger,
	}
}

// Dispatch records the envelope in the recent-events window and hands it to
// the delivery goroutine. Returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) {
	if d.recent != nil {
		if err := d.recent.Add(ctx, env); err != nil {
			d.logger.Warn("recent events store update failed",
				"session_id", env.SessionID, "event_type", env.EventType, "error", err)
		}
	}
	if d.opts.URL == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(env)
	}()
}

// Wait blocks until all in-flight deliveries have finished. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("marshal event envelope", "session_id", env.SessionID, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * d.opts.BaseDelay)
		}
		if lastErr = d.post(body, env); lastErr == nil {
			observability.RecordDispatchAttempt(env.EventType, "success")
			return
		}
		observability.RecordDispatchAttempt(env.EventType, "failure")
	}

	// Retries exhausted. The event is dropped; delivery failure is internal.
	d.logger.Warn("event dropped after delivery retries exhausted",
		"session_id", env.SessionID,
		"event_type", env.EventType,
		"attempts", d.opts.Attempts,
		"error", lastErr)
	observability.RecordDispatchAttempt(env.EventType, "dropped")
}

func (d *Dispatcher) post(body []byte, env Envelope) error {
	req, err := http.NewRequest(http.MethodPost, d.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.SigningSecret != "" {
		token, err := d.signDelivery(env)
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delivery target responded %s", resp.Status)
	}
	return nil
}

func (d *Dispatcher) signDelivery(env Envelope) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":        d.opts.ServiceName,
		"iat":        now.Unix(),
		"exp":        now.Add(2 * time.Minute).Unix(),
		"jti":        uuid.NewString(),
		"event_type": env.EventType,
		"session_id": env.SessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(d.opts.SigningSecret))
}
