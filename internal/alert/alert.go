// Package alert delivers signed integrity alerts to an operator webhook.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Ledger-Signature"

// Event types.
const (
	EventChainInvalid   = "ledger.chain_invalid"
	EventChainRecovered = "ledger.chain_recovered"
)

// Event is the JSON body of an alert.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier POSTs events to a single webhook URL.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. An empty url yields a notifier that only
// logs.
func NewNotifier(url, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Wait before attempts 2 and 3.
		delays: []time.Duration{1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// SetRetryDelays overrides the waits between attempts. The number of
// attempts is len(delays)+1.
func (n *Notifier) SetRetryDelays(delays ...time.Duration) {
	n.delays = delays
}

// Notify delivers an event of the given type, retrying on failure. It
// returns the last delivery error once every attempt has failed.
func (n *Notifier) Notify(ctx context.Context, eventType string, payload map[string]string) error {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if n.url == "" {
		n.logger.Warn("alert: no webhook configured, event dropped",
			zap.String("type", eventType),
			zap.Any("payload", payload),
		)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	signature := Sign(body, n.secret)

	var lastErr error
	for attempt := 1; attempt <= len(n.delays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(n.delays[attempt-2]):
			case <-ctx.Done():
				return fmt.Errorf("deliver alert: %w", ctx.Err())
			}
		}

		lastErr = n.deliver(ctx, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(lastErr == nil)
		}
		if lastErr == nil {
			n.logger.Info("alert delivered", zap.String("type", eventType), zap.Int("attempt", attempt))
			return nil
		}

		n.logger.Warn("alert: delivery failed",
			zap.String("url", n.url),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("deliver alert: %w", lastErr)
}

// deliver performs a single HTTP POST.
func (n *Notifier) deliver(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
