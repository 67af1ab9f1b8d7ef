package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

// ErrNoTarget means the user has not configured an address for the channel.
var ErrNoTarget = errors.New("no delivery target configured")

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return retry.Transient(fmt.Errorf("delivery request failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.Transient(err)
	}
	return retry.Permanent(err)
}

// WebhookTransport posts the message as JSON to the user's webhook URL.
type WebhookTransport struct {
	client *http.Client
}

func NewWebhookTransport(timeout time.Duration) *WebhookTransport {
	return &WebhookTransport{client: &http.Client{Timeout: timeout}}
}

func (t *WebhookTransport) Channel() models.Channel { return models.ChannelWebhook }

func (t *WebhookTransport) Send(ctx context.Context, userID string, msg *Message) error {
	if msg.Target == "" {
		return retry.Permanent(ErrNoTarget)
	}
	body := struct {
		Event string `json:"event"`
		*Message
	}{Event: "alerts", Message: msg}
	return postJSON(ctx, t.client, msg.Target, map[string]string{"X-Ekaya-User": userID}, body)
}

// ChatTransport posts to a chat incoming-webhook URL using the common
// {"text": ...} payload.
type ChatTransport struct {
	client *http.Client
}

func NewChatTransport(timeout time.Duration) *ChatTransport {
	return &ChatTransport{client: &http.Client{Timeout: timeout}}
}

func (t *ChatTransport) Channel() models.Channel { return models.ChannelChat }

func (t *ChatTransport) Send(ctx context.Context, _ string, msg *Message) error {
	if msg.Target == "" {
		return retry.Permanent(ErrNoTarget)
	}
	text := "*" + msg.Subject + "*\n" + msg.Text()
	return postJSON(ctx, t.client, msg.Target, nil, map[string]string{"text": text})
}

// PushTransport sends to a push gateway; the message target is the device token.
type PushTransport struct {
	client     *http.Client
	gatewayURL string
	token      string
}

// NewPushTransport returns nil when no gateway is configured.
func NewPushTransport(gatewayURL, token string, timeout time.Duration) *PushTransport {
	if gatewayURL == "" {
		return nil
	}
	return &PushTransport{client: &http.Client{Timeout: timeout}, gatewayURL: gatewayURL, token: token}
}

func (t *PushTransport) Channel() models.Channel { return models.ChannelPush }

func (t *PushTransport) Send(ctx context.Context, userID string, msg *Message) error {
	if msg.Target == "" {
		return retry.Permanent(ErrNoTarget)
	}
	body := map[string]any{
		"device_token": msg.Target,
		"user_id":      userID,
		"title":        msg.Subject,
		"body":         firstSummary(msg),
		"alert_ids":    msg.AlertIDs(),
	}
	headers := map[string]string{}
	if t.token != "" {
		headers["Authorization"] = "Bearer " + t.token
	}
	return postJSON(ctx, t.client, t.gatewayURL, headers, body)
}

func firstSummary(msg *Message) string {
	if len(msg.Alerts) == 0 {
		return ""
	}
	if msg.Digest || len(msg.Alerts) > 1 {
		return fmt.Sprintf("%d new alerts waiting", len(msg.Alerts))
	}
	return msg.Alerts[0].Summary
}
