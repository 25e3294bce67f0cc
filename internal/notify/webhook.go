package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nutripay/escrowsync/internal/circuitbreaker"
)

// WebhookChannel posts notifications to a collaborator-hosted endpoint.
// The channel name travels in the path, so one receiver can demultiplex
// school.*, catering.* and admin traffic.
//
// A per-channel circuit breaker keeps one misbehaving receiver from tying
// up fanout workers: after repeated failures the channel's deliveries are
// skipped until the breaker probes it again.
type WebhookChannel struct {
	baseURL string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewWebhookChannel creates an HTTP delivery channel. If secret is non-empty,
// each request carries an HMAC-SHA256 signature of the body.
func NewWebhookChannel(baseURL, secret string) *WebhookChannel {
	return &WebhookChannel{
		baseURL: baseURL,
		secret:  secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// Deliver posts the notification to <baseURL>/<channel>.
func (w *WebhookChannel) Deliver(ctx context.Context, channel string, n *Notification) error {
	if !w.breaker.Allow(channel) {
		return fmt.Errorf("channel %s circuit open, delivery skipped", channel)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/"+channel, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowsync-Channel", channel)
	if w.secret != "" {
		req.Header.Set("X-Escrowsync-Signature", w.sign(body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure(channel)
		return fmt.Errorf("post to %s: %w", channel, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.breaker.RecordFailure(channel)
		return fmt.Errorf("channel %s returned status %d", channel, resp.StatusCode)
	}
	w.breaker.RecordSuccess(channel)
	return nil
}

func (w *WebhookChannel) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Compile-time assertion that WebhookChannel implements Channel.
var _ Channel = (*WebhookChannel)(nil)
