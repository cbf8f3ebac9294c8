package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

type fakeMailer struct {
	mu      sync.Mutex
	subject string
	body    string
	to      []string
	err     error
}

func (f *fakeMailer) Send(_ context.Context, _ string, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to, f.subject, f.body = to, subject, body
	return f.err
}

func notice() Notice {
	return Notice{
		AlertID:      "a-1",
		RuleID:       "r-1",
		RuleName:     "High revenue drop",
		Severity:     "critical",
		CurrentValue: 42.5,
		Threshold:    100,
		Message:      "revenue below 100",
		TriggeredAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MetricID:     "revenue",
	}
}

// capture starts a server that records request bodies and replies with status.
func capture(t *testing.T, status int) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...)
	}
}

func TestRender(t *testing.T) {
	got := Render("{{severity}}: {{ruleName}} at {{currentValue}} {{unknown}}", notice().Vars())
	want := "critical: High revenue drop at 42.5 {{unknown}}"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestDispatch_SlackAndWebhook(t *testing.T) {
	slackSrv, slackBodies := capture(t, http.StatusOK)
	hookSrv, hookBodies := capture(t, http.StatusOK)
	t.Setenv("TEST_SLACK_URL", slackSrv.URL)
	t.Setenv("TEST_HOOK_URL", hookSrv.URL)

	d := New([]Channel{
		{ID: "ops-slack", Type: TypeSlack, URLEnv: "TEST_SLACK_URL"},
		{ID: "ops-hook", Type: TypeWebhook, URLEnv: "TEST_HOOK_URL"},
	}, map[string]Template{TypeSlack: {Body: "{{ruleName}} fired ({{alertId}})"}}, nil)

	recs := d.Dispatch(context.Background(), notice(), []string{"ops-slack", "ops-hook"})
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Status != StatusSent {
			t.Errorf("%s status = %s (%s)", r.ChannelID, r.Status, r.Error)
		}
	}

	sb := slackBodies()
	if len(sb) != 1 || !strings.Contains(sb[0], "High revenue drop fired (a-1)") {
		t.Errorf("slack body = %v", sb)
	}

	hb := hookBodies()
	if len(hb) != 1 {
		t.Fatalf("webhook bodies = %d", len(hb))
	}
	var payload struct {
		Alert   Notice `json:"alert"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(hb[0]), &payload); err != nil {
		t.Fatalf("unmarshal webhook body: %v", err)
	}
	if payload.Alert.AlertID != "a-1" || payload.Message != "revenue below 100" {
		t.Errorf("webhook payload = %+v", payload)
	}
}

func TestDispatch_FailureIsRecordedAndReported(t *testing.T) {
	srv, _ := capture(t, http.StatusInternalServerError)
	t.Setenv("TEST_TEAMS_URL", srv.URL)

	bus := events.New()
	ch, cancel := bus.Subscribe(8, types.EventNotificationError)
	defer cancel()

	d := New([]Channel{{ID: "teams", Type: TypeTeams, URLEnv: "TEST_TEAMS_URL"}}, nil, bus)
	recs := d.Dispatch(context.Background(), notice(), []string{"teams"})

	if len(recs) != 1 || recs[0].Status != StatusFailed {
		t.Fatalf("records = %+v, want one failed", recs)
	}
	select {
	case ev := <-ch:
		p := ev.Payload.(types.NotificationError)
		if p.ChannelID != "teams" || p.AlertID != "a-1" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no notificationError event")
	}
}

func TestDispatch_UnknownAndUnsupported(t *testing.T) {
	bus := events.New()
	ch, cancel := bus.Subscribe(8, types.EventNotificationError, types.EventNotificationUnsupported)
	defer cancel()

	d := New([]Channel{{ID: "sms", Type: "sms"}}, nil, bus)
	recs := d.Dispatch(context.Background(), notice(), []string{"sms", "ghost"})

	if len(recs) != 1 || recs[0].ChannelID != "ghost" || recs[0].Status != StatusFailed {
		t.Fatalf("records = %+v, want only the unknown channel recorded", recs)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got[ev.Name] = true
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	if !got[types.EventNotificationUnsupported] || !got[types.EventNotificationError] {
		t.Errorf("events = %v", got)
	}
}

func TestDispatch_Email(t *testing.T) {
	fm := &fakeMailer{}
	d := New([]Channel{{ID: "mail", Type: TypeEmail, From: "alerts@example.com", To: []string{"oncall@example.com"}}}, nil, nil)
	d.mailerFor = func(Channel) Mailer { return fm }

	recs := d.Dispatch(context.Background(), notice(), []string{"mail"})
	if len(recs) != 1 || recs[0].Status != StatusSent {
		t.Fatalf("records = %+v", recs)
	}
	if fm.subject != "[critical] High revenue drop" {
		t.Errorf("subject = %q", fm.subject)
	}
	if !strings.Contains(fm.body, "Alert a-1 triggered at 2026-01-02T03:04:05Z") {
		t.Errorf("body = %q", fm.body)
	}

	fm.err = errors.New("quota exceeded")
	recs = d.Dispatch(context.Background(), notice(), []string{"mail"})
	if recs[0].Status != StatusFailed || recs[0].Error != "quota exceeded" {
		t.Errorf("failed send record = %+v", recs[0])
	}
}

func TestDispatch_MissingURL(t *testing.T) {
	d := New([]Channel{{ID: "hook", Type: TypeWebhook, URLEnv: "TEST_UNSET_URL_ENV"}}, nil, nil)
	recs := d.Dispatch(context.Background(), notice(), []string{"hook"})
	if recs[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", recs[0].Status)
	}
}
