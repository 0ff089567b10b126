// Package notify delivers processing notifications to uploaders.
package notify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/config"
)

// Attachment is a file carried alongside a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound notification.
type Message struct {
	To         []string    `json:"to"`
	CC         []string    `json:"cc,omitempty"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"-"`
}

// Notifier sends a message.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// New builds the notifier selected by cfg.Provider.
func New(ctx context.Context, cfg config.MailConfig) (Notifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ses":
		return NewSES(ctx, cfg)
	case "webhook":
		return NewWebhook(cfg.WebhookURL), nil
	case "log", "":
		return LogNotifier{}, nil
	default:
		return nil, eris.Errorf("notify: unsupported provider %q", cfg.Provider)
	}
}
