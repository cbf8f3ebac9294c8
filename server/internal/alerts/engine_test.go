package alerts

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/anomaly"
	"github.com/obsidianstack/metricflow/server/internal/notify"
)

var t0 = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // a Wednesday

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ notify.Notice, ids []string) []notify.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)
	out := make([]notify.Record, len(ids))
	for i, id := range ids {
		out[i] = notify.Record{ChannelID: id, Status: notify.StatusSent}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *clock, *fakeDispatcher) {
	t.Helper()
	c := &clock{t: t0}
	d := &fakeDispatcher{}
	e := New(Options{}, d, nil)
	e.now = c.now
	return e, c, d
}

func mustAdd(t *testing.T, e *Engine, r Rule) Rule {
	t.Helper()
	out, err := e.AddRule(r)
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	return out
}

func gt(threshold float64) Condition {
	return Condition{Type: ConditionValue, Operator: OpGT, Threshold: threshold, Required: true}
}

func val(metric string, v float64, at time.Time) types.MetricValue {
	return types.MetricValue{MetricID: metric, Value: v, Timestamp: at}
}

func TestCooldown(t *testing.T) {
	e, c, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "r", MetricID: "cpu", Type: RuleThreshold, Conditions: []Condition{gt(100)}, CooldownPeriod: 60 * time.Second})
	ctx := context.Background()

	first := e.ProcessMetricValue(ctx, val("cpu", 150, t0))
	if len(first) != 1 {
		t.Fatalf("first breach: %d alerts, want 1", len(first))
	}

	c.set(t0.Add(30 * time.Second))
	if got := e.ProcessMetricValue(ctx, val("cpu", 150, c.now())); len(got) != 0 {
		t.Fatalf("breach inside cooldown created %d alerts", len(got))
	}

	if err := e.ResolveAlert(first[0].ID, "fixed", "alice"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	c.set(t0.Add(61 * time.Second))
	if got := e.ProcessMetricValue(ctx, val("cpu", 150, c.now())); len(got) != 1 {
		t.Fatalf("breach after cooldown: %d alerts, want 1", len(got))
	}

	st, _ := e.Statistics("r")
	if st.Total != 2 || st.Suppressed != 1 || st.Resolved != 1 || st.Active != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.AvgResolution != 30*time.Second {
		t.Errorf("AvgResolution = %v, want 30s", st.AvgResolution)
	}
}

func TestCooldown_SharedAcrossRulesOnTarget(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "a", MetricID: "cpu", Type: RuleThreshold, Conditions: []Condition{gt(100)}, CooldownPeriod: time.Minute})
	mustAdd(t, e, Rule{ID: "b", MetricID: "cpu", Type: RuleThreshold, Conditions: []Condition{gt(50)}, CooldownPeriod: time.Minute})

	got := e.ProcessMetricValue(context.Background(), val("cpu", 150, t0))
	if len(got) != 1 || got[0].RuleID != "a" {
		t.Fatalf("alerts = %+v, want only rule a", got)
	}
	st, _ := e.Statistics("b")
	if st.Suppressed != 1 {
		t.Errorf("rule b suppressed = %d, want 1", st.Suppressed)
	}
}

func TestCooldown_ConcurrentRulesTriggerOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		mustAdd(t, e, Rule{ID: id, MetricID: "cpu", Type: RuleThreshold, Conditions: []Condition{gt(10)}, CooldownPeriod: time.Minute})
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := e.ProcessMetricValue(context.Background(), val("cpu", 50, t0))
			mu.Lock()
			fired += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if fired != 1 {
		t.Errorf("triggered %d alerts, want 1", fired)
	}
	if n := len(e.ActiveAlerts()); n != 1 {
		t.Errorf("active alerts = %d, want 1", n)
	}
}

func TestRequiredConditionGating(t *testing.T) {
	cases := []struct {
		name string
		cond []Condition
		want int
	}{
		{
			name: "optional miss does not gate",
			cond: []Condition{gt(100), {Type: ConditionValue, Operator: OpGT, Threshold: 1000}},
			want: 1,
		},
		{
			name: "one of two required met",
			cond: []Condition{gt(100), gt(1000)},
			want: 0,
		},
		{
			name: "both required met",
			cond: []Condition{gt(100), {Type: ConditionValue, Operator: OpLT, Threshold: 200, Required: true}},
			want: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			mustAdd(t, e, Rule{ID: "r", MetricID: "m", Type: RuleComposite, Conditions: tc.cond})
			if got := e.ProcessMetricValue(context.Background(), val("m", 150, t0)); len(got) != tc.want {
				t.Errorf("alerts = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestRule_Validate(t *testing.T) {
	cases := map[string]Rule{
		"no target":        {ID: "x", Type: RuleThreshold, Conditions: []Condition{gt(1)}},
		"both targets":     {ID: "x", MetricID: "m", KPIID: "k", Type: RuleThreshold, Conditions: []Condition{gt(1)}},
		"no conditions":    {ID: "x", MetricID: "m", Type: RuleThreshold},
		"no required":      {ID: "x", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{{Type: ConditionValue, Operator: OpGT}}},
		"bad operator":     {ID: "x", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{{Type: ConditionValue, Operator: ">", Required: true}}},
		"between no range": {ID: "x", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{{Type: ConditionValue, Operator: OpBetween, Required: true}}},
		"rate no window":   {ID: "x", MetricID: "m", Type: RuleTrend, Conditions: []Condition{{Type: ConditionRate, Operator: OpGT, Required: true}}},
		"unknown type":     {ID: "x", MetricID: "m", Type: "bogus", Conditions: []Condition{gt(1)}},
		"missing no after": {ID: "x", MetricID: "m", Type: RuleMissingData, Conditions: []Condition{{Type: ConditionTimeBased, Required: true}}},
		"bad window":       {ID: "x", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(1)}, Suppression: []SuppressionRule{{Type: SuppressTimeWindow, Start: "25:00", End: "01:00"}}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "dup", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(1)}})
	if _, err := e.AddRule(Rule{ID: "dup", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(1)}}); !errors.Is(err, ErrRuleExists) {
		t.Errorf("duplicate AddRule err = %v, want ErrRuleExists", err)
	}
}

func TestSuppression_TimeWindow(t *testing.T) {
	e, c, _ := newTestEngine(t)
	mustAdd(t, e, Rule{
		ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(0)},
		Suppression: []SuppressionRule{{Type: SuppressTimeWindow, Start: "22:00", End: "06:00"}},
	})

	night := time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)
	c.set(night)
	if got := e.ProcessMetricValue(context.Background(), val("m", 1, night)); len(got) != 0 {
		t.Fatal("alert created inside suppression window")
	}
	morning := time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC)
	c.set(morning)
	if got := e.ProcessMetricValue(context.Background(), val("m", 1, morning)); len(got) != 1 {
		t.Fatal("alert not created after suppression window")
	}
}

func TestSuppression_Dependency(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "db-down", MetricID: "db", Type: RuleThreshold, Conditions: []Condition{gt(0)}})
	mustAdd(t, e, Rule{
		ID: "api-errors", MetricID: "api", Type: RuleThreshold, Conditions: []Condition{gt(0)},
		Suppression: []SuppressionRule{
			{Type: SuppressCondition},
			{Type: SuppressDependency, AlertRuleIDs: []string{"db-down"}},
		},
	})
	ctx := context.Background()

	if got := e.ProcessMetricValue(ctx, val("api", 5, t0)); len(got) != 1 {
		t.Fatalf("api alert without dependency: %d", len(got))
	}
	_ = e.ResolveAlert(e.ActiveAlerts()[0].ID, "ok", "")

	if got := e.ProcessMetricValue(ctx, val("db", 1, t0)); len(got) != 1 {
		t.Fatal("db alert not created")
	}
	if got := e.ProcessMetricValue(ctx, val("api", 5, t0)); len(got) != 0 {
		t.Error("api alert created while dependency is active")
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	e, c, _ := newTestEngine(t)
	bus := events.New()
	ch, cancel := bus.Subscribe(16, types.EventAlertAcknowledged, types.EventAlertResolved)
	defer cancel()
	e.events = bus

	mustAdd(t, e, Rule{ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(0)}})
	a := e.ProcessMetricValue(context.Background(), val("m", 1, t0))[0]

	if err := e.AcknowledgeAlert(a.ID, "bob", "looking"); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	got, _ := e.Alert(a.ID)
	if got.Status != StatusActive || got.AcknowledgedBy != "bob" || got.AcknowledgedAt == nil {
		t.Errorf("after ack: %+v", got)
	}

	c.set(t0.Add(5 * time.Minute))
	if err := e.ResolveAlert(a.ID, "fixed", "bob"); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if err := e.ResolveAlert(a.ID, "again", "bob"); !errors.Is(err, ErrAlertNotActive) {
		t.Errorf("second resolve err = %v, want ErrAlertNotActive", err)
	}
	if err := e.AcknowledgeAlert(a.ID, "bob", ""); !errors.Is(err, ErrAlertNotActive) {
		t.Errorf("ack resolved err = %v, want ErrAlertNotActive", err)
	}
	if err := e.ResolveAlert("nope", "", ""); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("resolve unknown err = %v, want ErrAlertNotFound", err)
	}
	if len(e.ActiveAlerts()) != 0 {
		t.Error("resolved alert still active")
	}

	h := e.History(a.ID)
	want := []string{HistoryTriggered, HistoryAcknowledged, HistoryResolved}
	if len(h) != len(want) {
		t.Fatalf("history = %+v", h)
	}
	for i, ev := range want {
		if h[i].Event != ev {
			t.Errorf("history[%d] = %s, want %s", i, h[i].Event, ev)
		}
	}

	<-ch // acknowledged
	ev := <-ch
	res := ev.Payload.(types.AlertResolved)
	if res.Duration != 5*time.Minute || res.Reason != "fixed" {
		t.Errorf("alertResolved payload = %+v", res)
	}
}

func TestEscalation(t *testing.T) {
	e, _, d := newTestEngine(t)
	mustAdd(t, e, Rule{
		ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(0)},
		Severity: SeverityWarning, Channels: []string{"slack"},
		Escalation: []EscalationRule{
			{After: 15 * time.Minute, Severity: SeverityCritical},
			{After: 5 * time.Minute, Channels: []string{"pager"}},
		},
	})
	ctx := context.Background()
	a := e.ProcessMetricValue(ctx, val("m", 1, t0))[0]

	if n := e.CheckEscalations(ctx, t0.Add(4*time.Minute)); n != 0 {
		t.Fatalf("escalated %d before first step is due", n)
	}
	if n := e.CheckEscalations(ctx, t0.Add(6*time.Minute)); n != 1 {
		t.Fatalf("escalated %d at 6m, want 1", n)
	}
	got, _ := e.Alert(a.ID)
	if got.EscalationLevel != 1 || got.Severity != SeverityWarning {
		t.Errorf("after step 1: level=%d severity=%s", got.EscalationLevel, got.Severity)
	}

	if n := e.CheckEscalations(ctx, t0.Add(16*time.Minute)); n != 1 {
		t.Fatalf("escalated %d at 16m, want 1", n)
	}
	got, _ = e.Alert(a.ID)
	if got.EscalationLevel != 2 || got.Severity != SeverityCritical {
		t.Errorf("after step 2: level=%d severity=%s", got.EscalationLevel, got.Severity)
	}
	if n := e.CheckEscalations(ctx, t0.Add(time.Hour)); n != 0 {
		t.Errorf("escalated past last step")
	}

	d.mu.Lock()
	calls := append([][]string(nil), d.calls...)
	d.mu.Unlock()
	if len(calls) != 3 || calls[0][0] != "slack" || calls[1][0] != "pager" || calls[2][0] != "slack" {
		t.Errorf("dispatch calls = %v", calls)
	}
	if len(got.NotificationsSent) != 3 {
		t.Errorf("NotificationsSent = %d, want 3", len(got.NotificationsSent))
	}
}

func TestEscalation_SkipsAcknowledged(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{
		ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(0)},
		Escalation: []EscalationRule{{After: time.Minute, Severity: SeverityCritical}},
	})
	a := e.ProcessMetricValue(context.Background(), val("m", 1, t0))[0]
	_ = e.AcknowledgeAlert(a.ID, "bob", "")

	if n := e.CheckEscalations(context.Background(), t0.Add(time.Hour)); n != 0 {
		t.Errorf("acknowledged alert escalated")
	}
}

func TestPurgeExpired(t *testing.T) {
	e, c, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(0)}, CooldownPeriod: time.Second})
	ctx := context.Background()

	old := e.ProcessMetricValue(ctx, val("m", 1, t0))[0]
	_ = e.ResolveAlert(old.ID, "done", "")
	c.set(t0.Add(time.Minute))
	live := e.ProcessMetricValue(ctx, val("m", 1, c.now()))[0]

	if n := e.PurgeExpired(t0.Add(23 * time.Hour)); n != 0 {
		t.Fatalf("purged %d before 24h", n)
	}
	if n := e.PurgeExpired(t0.Add(25 * time.Hour)); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := e.Alert(old.ID); !errors.Is(err, ErrAlertNotFound) {
		t.Error("resolved alert still present after purge")
	}
	if _, err := e.Alert(live.ID); err != nil {
		t.Error("active alert purged")
	}
	if len(e.History(old.ID)) == 0 {
		t.Error("history dropped with the alert")
	}

	e.PurgeExpired(t0.Add(31 * 24 * time.Hour))
	if len(e.History(old.ID)) != 0 {
		t.Error("history older than 30 days retained")
	}
}

func TestHistoryBounded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.mu.Lock()
	for i := 0; i < historyLimit+20; i++ {
		e.appendHistory("a", HistoryEscalated, t0.Add(time.Duration(i)*time.Second), nil)
	}
	e.mu.Unlock()
	h := e.History("a")
	if len(h) != historyLimit {
		t.Fatalf("history len = %d, want %d", len(h), historyLimit)
	}
	if !h[0].At.Equal(t0.Add(20 * time.Second)) {
		t.Errorf("oldest kept = %v", h[0].At)
	}
}

func TestChangeAndRateConditions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "jump", MetricID: "orders", Type: RuleTrend, CooldownPeriod: time.Nanosecond,
		Conditions: []Condition{{Type: ConditionChange, Operator: OpGTE, Threshold: 50, Required: true}}})
	mustAdd(t, e, Rule{ID: "rate", MetricID: "sales", Type: RuleTrend, CooldownPeriod: time.Nanosecond,
		Conditions: []Condition{{Type: ConditionRate, Operator: OpLT, Threshold: -20, TimeWindow: 10 * time.Minute, Required: true}}})
	ctx := context.Background()

	if got := e.ProcessMetricValue(ctx, val("orders", 100, t0)); len(got) != 0 {
		t.Fatal("change triggered without a previous value")
	}
	if got := e.ProcessMetricValue(ctx, val("orders", 160, t0.Add(time.Minute))); len(got) != 1 {
		t.Fatal("change of +60 did not trigger")
	}

	e.ProcessMetricValue(ctx, val("sales", 200, t0.Add(-time.Hour))) // outside window
	e.ProcessMetricValue(ctx, val("sales", 100, t0))
	if got := e.ProcessMetricValue(ctx, val("sales", 90, t0.Add(5*time.Minute))); len(got) != 0 {
		t.Fatal("-10% triggered a -20% rate rule")
	}
	got := e.ProcessMetricValue(ctx, val("sales", 70, t0.Add(9*time.Minute)))
	if len(got) != 1 {
		t.Fatal("-30% over the window did not trigger")
	}
	if got[0].Threshold != -20 {
		t.Errorf("Threshold = %v", got[0].Threshold)
	}
}

func TestPatternCondition(t *testing.T) {
	e, c, _ := newTestEngine(t)
	mustAdd(t, e, Rule{
		ID: "spike", MetricID: "latency", Type: RuleAnomaly, CooldownPeriod: time.Minute,
		Conditions: []Condition{{Type: ConditionPattern, Required: true}},
		Anomaly:    &anomaly.Config{Algorithm: anomaly.AlgorithmZScore, Sensitivity: 0.99, MinDataPoints: 50},
	})
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		v := 100 + 5*r.NormFloat64()
		if got := e.ProcessMetricValue(ctx, val("latency", v, t0.Add(time.Duration(i)*time.Second))); len(got) != 0 && i < 50 {
			t.Fatalf("alert before detector trained (i=%d)", i)
		}
	}
	// Chance outliers in the training series may have raised alerts; move
	// past their cooldown.
	c.set(t0.Add(time.Hour))
	got := e.ProcessMetricValue(ctx, val("latency", 400, c.now()))
	if len(got) != 1 {
		t.Fatalf("spike not detected")
	}
}

func TestDimensionFilter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	cond := gt(10)
	cond.Dimensions = map[string]string{"region": "eu"}
	mustAdd(t, e, Rule{ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{cond}})

	us := val("m", 50, t0)
	us.Dimensions = map[string]string{"region": "us"}
	if len(e.ProcessMetricValue(context.Background(), us)) != 0 {
		t.Error("non-matching dimension triggered")
	}
	eu := val("m", 50, t0)
	eu.Dimensions = map[string]string{"region": "eu"}
	got := e.ProcessMetricValue(context.Background(), eu)
	if len(got) != 1 || got[0].Dimensions["region"] != "eu" {
		t.Errorf("alerts = %+v", got)
	}
}

func TestMissingData(t *testing.T) {
	e, c, _ := newTestEngine(t)
	mustAdd(t, e, Rule{
		ID: "silent", MetricID: "heartbeat", Type: RuleMissingData, AutoResolve: true,
		MissingDataAfter: 10 * time.Minute,
		Conditions:       []Condition{{Type: ConditionTimeBased, Required: true}},
	})
	ctx := context.Background()

	e.ProcessMetricValue(ctx, val("heartbeat", 1, t0))
	if got := e.CheckMissingData(ctx, t0.Add(5*time.Minute)); len(got) != 0 {
		t.Fatal("missing data raised too early")
	}
	c.set(t0.Add(11 * time.Minute))
	got := e.CheckMissingData(ctx, c.now())
	if len(got) != 1 {
		t.Fatal("missing data not raised")
	}
	if again := e.CheckMissingData(ctx, t0.Add(40*time.Minute)); len(again) != 0 {
		t.Error("second alert raised while the first is open")
	}

	e.ProcessMetricValue(ctx, val("heartbeat", 1, c.now()))
	a, _ := e.Alert(got[0].ID)
	if a.Status != StatusResolved || a.ResolvedBy != "system" {
		t.Errorf("alert after data resumed: status=%s by=%q", a.Status, a.ResolvedBy)
	}
}

func TestAutoResolve(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "r", MetricID: "m", Type: RuleThreshold, Conditions: []Condition{gt(100)}, AutoResolve: true})
	ctx := context.Background()

	a := e.ProcessMetricValue(ctx, val("m", 150, t0))[0]
	e.ProcessMetricValue(ctx, val("m", 50, t0.Add(time.Minute)))

	got, _ := e.Alert(a.ID)
	if got.Status != StatusResolved || got.ResolutionReason != "condition cleared" {
		t.Errorf("alert = %+v", got)
	}
}

func TestKPIAndEvaluationError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	bus := events.New()
	ch, cancel := bus.Subscribe(8, types.EventEvaluationError)
	defer cancel()
	e.events = bus

	mustAdd(t, e, Rule{ID: "churn", KPIID: "churn", Type: RuleThreshold, Conditions: []Condition{gt(5)}, Channels: []string{"ops"}})
	ctx := context.Background()

	if got := e.ProcessKPIValue(ctx, "churn", "acme", math.NaN(), t0); len(got) != 0 {
		t.Fatal("NaN triggered an alert")
	}
	select {
	case ev := <-ch:
		if ev.Payload.(types.EvaluationError).RuleID != "churn" {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no evaluationError event")
	}

	got := e.ProcessKPIValue(ctx, "churn", "acme", 7.5, t0)
	if len(got) != 1 {
		t.Fatal("KPI breach did not trigger")
	}
	a := got[0]
	if a.KPIID != "churn" || a.Target != types.KPITarget("churn") || a.TenantID != "acme" {
		t.Errorf("alert = %+v", a)
	}
	if len(a.NotificationsSent) != 1 || a.NotificationsSent[0].ChannelID != "ops" {
		t.Errorf("NotificationsSent = %+v", a.NotificationsSent)
	}
}

func TestTimeBasedCondition(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustAdd(t, e, Rule{ID: "biz-hours", MetricID: "m", Type: RuleComposite, CooldownPeriod: time.Nanosecond,
		Conditions: []Condition{
			gt(10),
			{Type: ConditionTimeBased, Required: true, Hours: []int{9, 10, 11, 12, 13, 14, 15, 16}, Weekdays: []int{1, 2, 3, 4, 5}},
		}})
	ctx := context.Background()

	if len(e.ProcessMetricValue(ctx, val("m", 50, t0))) != 1 {
		t.Error("Wednesday noon breach did not trigger")
	}
	sunday := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	if len(e.ProcessMetricValue(ctx, val("m", 50, sunday))) != 0 {
		t.Error("Sunday breach triggered")
	}
}
