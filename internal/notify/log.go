package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.Strings("to", redactAll(msg.To)),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	}
	if msg.Attachment != nil {
		fields = append(fields,
			zap.String("attachment", msg.Attachment.Filename),
			zap.Int("attachment_bytes", len(msg.Attachment.Data)),
		)
	}
	zap.L().Info("notify: message", fields...)
	return nil
}
