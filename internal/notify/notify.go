// Package notify delivers high-severity alert notifications. Delivery is fire-and-forget
// from the engine's point of view: callers log errors and move on.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"insurewatch/internal/config"
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New picks the sender for the configured provider.
func New(cfg config.Notifications, log *zap.Logger) (Sender, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Provider {
	case "", "log":
		return LogSender{Logger: log}, nil
	case "webhook":
		return NewWebhookSender(cfg.WebhookURL, cfg.Timeout), nil
	case "sendgrid":
		return SendGridSender{APIKey: cfg.SendGridAPIKey, From: cfg.From}, nil
	default:
		return nil, fmt.Errorf("unknown notification provider %q", cfg.Provider)
	}
}

// LogSender writes notifications to the structured log instead of delivering them.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, to, subject, body string) error {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification", zap.String("to", to), zap.String("subject", subject), zap.String("body", body))
	return nil
}
