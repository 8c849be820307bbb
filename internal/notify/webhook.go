package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookRetries        = 2
)

// WebhookSender POSTs a JSON notification to a fixed URL, retrying transport errors and 5xx responses.
type WebhookSender struct {
	URL    string
	client *resty.Client
}

type webhookMessage struct {
	Event   string `json:"event"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at"`
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(webhookRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookSender{URL: url, client: client}
}

func (s *WebhookSender) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("webhook url is empty")
	}
	res, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Insurewatch-Event", "alert.raised").
		SetBody(webhookMessage{
			Event:   "alert.raised",
			To:      to,
			Subject: subject,
			Body:    body,
			SentAt:  time.Now().UTC().Format(time.RFC3339),
		}).
		Post(s.URL)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.URL, err)
	}
	if res.IsError() {
		return fmt.Errorf("webhook %s: status %d: %s", s.URL, res.StatusCode(), strings.TrimSpace(truncate(res.String(), 4096)))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
