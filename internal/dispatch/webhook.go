// Outbound webhook delivery: HMAC signing, SSRF-safe client, response body
// discard. Status codes are classified here, at the sender boundary: 5xx,
// 408 and 429 are temporary, remaining 4xx are permanent.
package dispatch

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
	"strconv"
	"time"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
)

// webhookPayload is the JSON body posted to the recipient endpoint.
type webhookPayload struct {
	ID    string          `json:"id"`
	Title string          `json:"title"`
	Body  string          `json:"body"`
	URL   *string         `json:"url,omitempty"`
	Meta  json.RawMessage `json:"meta,omitempty"`
}

// WebhookSender posts outbox items to the endpoint named by recipient_key,
// signed with HMAC-SHA256. The caller constructs client once at startup
// (safeurl-wrapped, redirect-disabled).
type WebhookSender struct {
	client        *http.Client
	signingSecret string
}

// NewWebhookSender creates a WebhookSender using client for all deliveries.
func NewWebhookSender(client *http.Client, signingSecret string) *WebhookSender {
	return &WebhookSender{client: client, signingSecret: signingSecret}
}

// Send posts item to its recipient URL. Network-level errors are temporary;
// a malformed recipient or rejecting endpoint is permanent.
func (w *WebhookSender) Send(ctx context.Context, item store.OutboxItem) Result {
	body, err := json.Marshal(webhookPayload{
		ID:    item.ID.String(),
		Title: item.Title,
		Body:  item.Body,
		URL:   item.URL,
		Meta:  item.Meta,
	})
	if err != nil {
		return PermanentFailure(fmt.Sprintf("marshal payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.RecipientKey, bytes.NewReader(body))
	if err != nil {
		return PermanentFailure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	// HMAC-SHA256 over "timestamp.body" so recipients can verify integrity
	// and bound replay windows.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(w.signingSecret))
	mac.Write([]byte(ts + "." + string(body)))
	req.Header.Set("X-Sanbou-Timestamp", ts)
	req.Header.Set("X-Sanbou-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.client.Do(req)
	if err != nil {
		return TemporaryFailure(fmt.Sprintf("webhook POST: %v", err))
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps an HTTP status code to a delivery Result.
func classifyStatus(code int) Result {
	switch {
	case code >= 200 && code < 300:
		return Success()
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return TemporaryFailure(fmt.Sprintf("webhook POST: status %d", code))
	case code >= 400 && code < 500:
		return PermanentFailure(fmt.Sprintf("webhook POST: status %d", code))
	default:
		return TemporaryFailure(fmt.Sprintf("webhook POST: status %d", code))
	}
}
