package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// Channel types.
const (
	TypeEmail   = "email"
	TypeSlack   = "slack"
	TypeTeams   = "teams"
	TypeWebhook = "webhook"
)

// Record statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Channel is one delivery target. URLs and API keys are read from the
// environment variables named by the *_env fields.
type Channel struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// Type is one of: email | slack | teams | webhook.
	Type string `yaml:"type" json:"type"`

	// URLEnv names the variable holding the webhook URL (slack, teams, webhook).
	URLEnv string `yaml:"url_env" json:"-"`

	// APIKeyEnv names the variable holding the SendGrid API key (email).
	APIKeyEnv string `yaml:"api_key_env" json:"-"`

	From string   `yaml:"from" json:"from,omitempty"`
	To   []string `yaml:"to" json:"to,omitempty"`

	// Headers are added to webhook requests.
	Headers map[string]string `yaml:"headers" json:"-"`
}

// URL returns the webhook URL resolved from the environment.
func (c Channel) URL() string {
	if c.URLEnv == "" {
		return ""
	}
	return os.Getenv(c.URLEnv)
}

// APIKey returns the SendGrid API key resolved from the environment.
func (c Channel) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Notice is the alert data a notification is rendered from.
type Notice struct {
	AlertID      string    `json:"alertId"`
	RuleID       string    `json:"ruleId"`
	RuleName     string    `json:"ruleName"`
	Severity     string    `json:"severity"`
	CurrentValue float64   `json:"currentValue"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	TriggeredAt  time.Time `json:"triggeredAt"`
	MetricID     string    `json:"metricId,omitempty"`
	KPIID        string    `json:"kpiId,omitempty"`
}

// Vars returns the template variables of n.
func (n Notice) Vars() map[string]string {
	return map[string]string{
		"alertId":      n.AlertID,
		"ruleId":       n.RuleID,
		"ruleName":     n.RuleName,
		"severity":     n.Severity,
		"currentValue": strconv.FormatFloat(n.CurrentValue, 'g', -1, 64),
		"threshold":    strconv.FormatFloat(n.Threshold, 'g', -1, 64),
		"message":      n.Message,
		"triggeredAt":  n.TriggeredAt.UTC().Format(time.RFC3339),
		"metricId":     n.MetricID,
		"kpiId":        n.KPIID,
	}
}

// Record is the audit entry of one attempted send.
type Record struct {
	ChannelID   string    `json:"channelId"`
	ChannelType string    `json:"channelType"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// Mailer sends one plain-text email.
type Mailer interface {
	Send(ctx context.Context, from string, to []string, subject, body string) error
}

// Dispatcher routes notices to channels.
//
// Dispatcher is safe for concurrent use; its registry is fixed at construction.
type Dispatcher struct {
	channels  map[string]Channel
	templates map[string]Template
	events    events.Publisher
	client    *http.Client
	now       func() time.Time

	// mailerFor builds the email transport for a channel. Injectable for tests.
	mailerFor func(Channel) Mailer
}

// New returns a Dispatcher over channels. templates is keyed by channel
// type; missing types fall back to DefaultTemplates.
func New(channels []Channel, templates map[string]Template, bus events.Publisher) *Dispatcher {
	if bus == nil {
		bus = events.Discard{}
	}
	d := &Dispatcher{
		channels:  make(map[string]Channel, len(channels)),
		templates: make(map[string]Template, len(DefaultTemplates)),
		events:    bus,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
		mailerFor: func(c Channel) Mailer { return newSendGrid(c.APIKey()) },
	}
	for _, c := range channels {
		d.channels[c.ID] = c
	}
	for k, v := range DefaultTemplates {
		d.templates[k] = v
	}
	for k, v := range templates {
		d.templates[k] = v
	}
	return d
}

// Channels returns the number of registered channels.
func (d *Dispatcher) Channels() int { return len(d.channels) }

// Dispatch sends n to every channel in ids and returns one Record per
// attempted send. It never fails; errors are reported as events.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice, ids []string) []Record {
	var out []Record
	for _, id := range ids {
		ch, ok := d.channels[id]
		if !ok {
			err := fmt.Errorf("unknown channel %q", id)
			d.report(n, id, err)
			out = append(out, Record{ChannelID: id, Status: StatusFailed, Error: err.Error(), SentAt: d.now()})
			continue
		}
		if !Supported(ch.Type) {
			slog.Warn("notify: unsupported channel type, skipping", "channel", id, "type", ch.Type)
			d.events.Publish(types.EventNotificationUnsupported, types.NotificationUnsupported{
				AlertID: n.AlertID, ChannelID: id, ChannelType: ch.Type,
			})
			continue
		}

		tmpl := d.templates[ch.Type]
		subject := Render(tmpl.Subject, n.Vars())
		body := Render(tmpl.Body, n.Vars())

		err := d.send(ctx, ch, n, subject, body)
		rec := Record{ChannelID: id, ChannelType: ch.Type, Status: StatusSent, SentAt: d.now()}
		if err != nil {
			rec.Status = StatusFailed
			rec.Error = err.Error()
			d.report(n, id, err)
		} else {
			slog.Debug("notify: delivered", "channel", id, "type", ch.Type, "alert", n.AlertID)
		}
		out = append(out, rec)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, n Notice, subject, body string) error {
	switch ch.Type {
	case TypeEmail:
		if len(ch.To) == 0 {
			return fmt.Errorf("email channel %q has no recipients", ch.ID)
		}
		return d.mailerFor(ch).Send(ctx, ch.From, ch.To, subject, body)
	case TypeSlack:
		return d.sendSlack(ctx, ch, n, body)
	case TypeTeams:
		return d.sendTeams(ctx, ch, n, subject, body)
	default:
		return d.sendWebhook(ctx, ch, n, body)
	}
}

func (d *Dispatcher) report(n Notice, channelID string, err error) {
	slog.Error("notify: delivery failed", "channel", channelID, "alert", n.AlertID, "err", err)
	d.events.Publish(types.EventNotificationError, types.NotificationError{
		AlertID: n.AlertID, ChannelID: channelID, Error: err.Error(),
	})
}

// Supported reports whether t is a deliverable channel type.
func Supported(t string) bool {
	switch t {
	case TypeEmail, TypeSlack, TypeTeams, TypeWebhook:
		return true
	}
	return false
}
