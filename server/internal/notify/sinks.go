package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

func (d *Dispatcher) sendSlack(ctx context.Context, ch Channel, n Notice, body string) error {
	payload, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", severityLabel(n.Severity), body),
	})
	return d.post(ctx, ch, payload)
}

func (d *Dispatcher) sendTeams(ctx context.Context, ch Channel, n Notice, subject, body string) error {
	payload, _ := json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(n.Severity),
		"summary":    n.RuleName,
		"title":      subject,
		"text":       body,
	})
	return d.post(ctx, ch, payload)
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch Channel, n Notice, body string) error {
	payload, _ := json.Marshal(map[string]any{"alert": n, "message": body})
	return d.post(ctx, ch, payload)
}

func (d *Dispatcher) post(ctx context.Context, ch Channel, body []byte) error {
	url := ch.URL()
	if url == "" {
		return fmt.Errorf("channel %q has no url (env %q unset)", ch.ID, ch.URLEnv)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// sendGrid delivers email through the SendGrid v3 API.
type sendGrid struct {
	apiKey string
}

func newSendGrid(apiKey string) Mailer {
	return &sendGrid{apiKey: apiKey}
}

func (s *sendGrid) Send(ctx context.Context, from string, to []string, subject, body string) error {
	if s.apiKey == "" {
		return errors.New("sendgrid: api key not set")
	}
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail("metricflow", from))
	m.Subject = subject
	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail("", addr))
	}
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body))

	resp, err := sendgrid.NewSendClient(s.apiKey).SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("sendgrid: send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid: HTTP %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
