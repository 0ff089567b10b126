package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// WebhookNotifier posts messages as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Message
	AttachmentName string    `json:"attachment_name,omitempty"`
	AttachmentData string    `json:"attachment_data,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// Send posts msg. A status of 400 or above is an error.
func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	p := webhookPayload{Message: msg, SentAt: time.Now().UTC()}
	if msg.Attachment != nil {
		p.AttachmentName = msg.Attachment.Filename
		p.AttachmentData = base64.StdEncoding.EncodeToString(msg.Attachment.Data)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "notify: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
