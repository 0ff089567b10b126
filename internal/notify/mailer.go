package notify

import (
	"context"

	"go.uber.org/zap"
)

// Subjects used for uploader notifications.
const (
	SubjectComplete = "Processing Complete"
	SubjectError    = "Processing Error"
)

// Mailer is the pipeline-facing notification gateway. Delivery failures
// are logged and never returned.
type Mailer struct {
	notifier Notifier
	cc       []string
}

// NewMailer wraps n. cc is copied on every message.
func NewMailer(n Notifier, cc []string) *Mailer {
	return &Mailer{notifier: n, cc: cc}
}

// Notify sends subject and body to the recipients, prefixing the subject
// with the platform. It reports whether the message was handed off.
func (m *Mailer) Notify(ctx context.Context, platform string, to []string, subject, body string, att *Attachment) bool {
	log := zap.L().With(
		zap.String("platform", platform),
		zap.String("subject", subject),
		zap.Strings("to", redactAll(to)),
	)
	if len(to) == 0 {
		log.Warn("notify: no recipients, skipping")
		return false
	}

	msg := Message{
		To:         to,
		CC:         m.cc,
		Subject:    platform + " - " + subject,
		Body:       body,
		Attachment: att,
	}
	if err := m.notifier.Send(ctx, msg); err != nil {
		log.Error("notify: send failed", zap.Error(err))
		return false
	}
	log.Info("notify: sent")
	return true
}
