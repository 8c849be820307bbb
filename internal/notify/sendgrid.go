package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridSender emails notifications through the SendGrid v3 API.
type SendGridSender struct {
	APIKey string
	From   string
	// BaseURL overrides the API endpoint; empty uses SendGrid's.
	BaseURL string
}

func (s SendGridSender) Send(ctx context.Context, to, subject, body string) error {
	from := mail.NewEmail("InsureWatch", s.From)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, "<pre>"+html.EscapeString(body)+"</pre>")
	client := sendgrid.NewSendClient(s.APIKey)
	if s.BaseURL != "" {
		client.BaseURL = s.BaseURL
	}
	res, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
