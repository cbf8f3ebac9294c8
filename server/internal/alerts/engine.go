package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/anomaly"
	"github.com/obsidianstack/metricflow/server/internal/notify"
)

const tracerName = "github.com/obsidianstack/metricflow/server/internal/alerts"

// Defaults applied to zero Options fields.
const (
	DefaultCooldown           = 15 * time.Minute
	DefaultEvaluationInterval = 30 * time.Second
)

const (
	historyLimit      = 50
	historyRetention  = 30 * 24 * time.Hour
	resolvedRetention = 24 * time.Hour
	seriesLimit       = 1000
	seriesRetention   = 24 * time.Hour
)

// Sentinel errors.
var (
	ErrRuleExists     = errors.New("alerts: rule already exists")
	ErrRuleNotFound   = errors.New("alerts: rule not found")
	ErrAlertNotFound  = errors.New("alerts: alert not found")
	ErrAlertNotActive = errors.New("alerts: alert not active")
)

// Status is an alert's lifecycle state.
type Status string

// Alert statuses.
const (
	StatusActive     Status = "active"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
)

// History event names.
const (
	HistoryTriggered    = "triggered"
	HistoryEscalated    = "escalated"
	HistoryResolved     = "resolved"
	HistoryAcknowledged = "acknowledged"
)

// Action is one step taken on an alert.
type Action struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Alert is one triggering of a rule on a target.
type Alert struct {
	ID       string `json:"id"`
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	TenantID string `json:"tenantId,omitempty"`
	MetricID string `json:"metricId,omitempty"`
	KPIID    string `json:"kpiId,omitempty"`
	Target   string `json:"target"`

	Severity string `json:"severity"`
	Status   Status `json:"status"`

	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	Message    string            `json:"message"`
	Dimensions map[string]string `json:"dimensions,omitempty"`

	TriggeredAt time.Time `json:"triggeredAt"`

	AcknowledgedBy   string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgeNotes string     `json:"acknowledgeNotes,omitempty"`

	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	ResolutionReason string     `json:"resolutionReason,omitempty"`

	EscalationLevel int `json:"escalationLevel"`

	NotificationsSent []notify.Record `json:"notificationsSent"`
	ActionsTaken      []Action        `json:"actionsTaken"`
}

func (a *Alert) clone() Alert {
	cp := *a
	if a.Dimensions != nil {
		cp.Dimensions = make(map[string]string, len(a.Dimensions))
		for k, v := range a.Dimensions {
			cp.Dimensions[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.NotificationsSent = append([]notify.Record(nil), a.NotificationsSent...)
	cp.ActionsTaken = append([]Action(nil), a.ActionsTaken...)
	return cp
}

// HistoryEntry is one lifecycle event of an alert.
type HistoryEntry struct {
	AlertID string         `json:"alertId"`
	Event   string         `json:"event"`
	At      time.Time      `json:"at"`
	Context map[string]any `json:"context,omitempty"`
}

// Statistics are per-rule trigger counters.
type Statistics struct {
	RuleID     string `json:"ruleId"`
	Total      int    `json:"total"`
	Active     int    `json:"active"`
	Resolved   int    `json:"resolved"`
	Suppressed int    `json:"suppressed"`

	AvgResolution time.Duration `json:"avgResolution"`

	// Hourly counts triggers by hour of day (UTC), Daily by weekday
	// (0 = Sunday), Weekly by ISO week ("2026-W07").
	Hourly [24]int        `json:"hourly"`
	Daily  [7]int         `json:"daily"`
	Weekly map[string]int `json:"weekly"`

	totalResolution time.Duration
}

// Dispatcher delivers notices to notification channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notice, channelIDs []string) []notify.Record
}

// Options tune the engine.
type Options struct {
	DefaultCooldown    time.Duration
	EvaluationInterval time.Duration

	// Anomaly is the detector configuration for rules that do not set their own.
	Anomaly anomaly.Config
}

// Engine evaluates rules against incoming metric and KPI values and owns
// the resulting alerts, their history and per-rule statistics.
//
// Evaluations of the same rule are serialized; different rules evaluate
// concurrently. Engine is safe for concurrent use.
type Engine struct {
	opts     Options
	dispatch Dispatcher
	events   events.Publisher
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	rules    map[string]*ruleState
	alerts   map[string]*Alert
	history  map[string][]HistoryEntry
	stats    map[string]*Statistics
	series   map[string][]point
	lastSeen map[string]time.Time
}

type ruleState struct {
	mu       sync.Mutex // serializes evaluation of this rule
	rule     Rule
	detector *anomaly.Detector
	addedAt  time.Time
}

// New returns an Engine with no rules. A nil dispatcher disables notifications.
func New(opts Options, d Dispatcher, bus events.Publisher) *Engine {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.EvaluationInterval <= 0 {
		opts.EvaluationInterval = DefaultEvaluationInterval
	}
	opts.Anomaly = opts.Anomaly.WithDefaults()
	if bus == nil {
		bus = events.Discard{}
	}
	return &Engine{
		opts:     opts,
		dispatch: d,
		events:   bus,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		rules:    make(map[string]*ruleState),
		alerts:   make(map[string]*Alert),
		history:  make(map[string][]HistoryEntry),
		stats:    make(map[string]*Statistics),
		series:   make(map[string][]point),
		lastSeen: make(map[string]time.Time),
	}
}

// AddRule validates r, fills defaults and registers it. A rule without an
// id is assigned one. Rules that use pattern conditions get their own
// anomaly detector.
func (e *Engine) AddRule(r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if r.CooldownPeriod <= 0 {
		r.CooldownPeriod = e.opts.DefaultCooldown
	}
	r.Escalation = sortEscalation(r.Escalation)

	rs := &ruleState{rule: r, addedAt: e.now()}
	if r.usesDetector() {
		cfg := e.opts.Anomaly
		if r.Anomaly != nil {
			cfg = r.Anomaly.WithDefaults()
		}
		rs.detector = anomaly.New(cfg)
	}

	e.mu.Lock()
	if _, ok := e.rules[r.ID]; ok {
		e.mu.Unlock()
		return Rule{}, fmt.Errorf("%w: %q", ErrRuleExists, r.ID)
	}
	e.rules[r.ID] = rs
	if _, ok := e.stats[r.ID]; !ok {
		e.stats[r.ID] = &Statistics{RuleID: r.ID, Weekly: map[string]int{}}
	}
	e.mu.Unlock()

	slog.Info("alerts: rule added", "rule", r.ID, "type", r.Type, "target", r.Target())
	e.events.Publish(types.EventAlertRuleCreated, types.AlertRuleCreated{RuleID: r.ID, Type: string(r.Type)})
	return r, nil
}

// RemoveRule unregisters a rule. Its alerts and statistics are kept.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	return nil
}

// Rule returns a registered rule.
func (e *Engine) Rule(id string) (Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
	}
	return rs.rule, nil
}

// Rules returns every registered rule ordered by id.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, rs := range e.rules {
		out = append(out, rs.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statistics returns the counters of a rule.
func (e *Engine) Statistics(ruleID string) (Statistics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.stats[ruleID]
	if !ok {
		return Statistics{}, fmt.Errorf("%w: %q", ErrRuleNotFound, ruleID)
	}
	cp := *st
	cp.Weekly = make(map[string]int, len(st.Weekly))
	for k, v := range st.Weekly {
		cp.Weekly[k] = v
	}
	return cp, nil
}

// Run performs escalation, missing-data and purge checks every
// EvaluationInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			e.CheckEscalations(ctx, now)
			e.CheckMissingData(ctx, now)
			if n := e.PurgeExpired(now); n > 0 {
				slog.Debug("alerts: purged resolved alerts", "count", n)
			}
		}
	}
}
