package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/notify"
)

// ProcessMetricValue evaluates every enabled rule targeting v.MetricID and
// returns the alerts it triggered.
func (e *Engine) ProcessMetricValue(ctx context.Context, v types.MetricValue) []Alert {
	return e.process(ctx, v.MetricID, v)
}

// ProcessBatch evaluates each value in order.
func (e *Engine) ProcessBatch(ctx context.Context, values []types.MetricValue) []Alert {
	var out []Alert
	for _, v := range values {
		out = append(out, e.ProcessMetricValue(ctx, v)...)
	}
	return out
}

// ProcessKPIValue evaluates rules targeting a KPI.
func (e *Engine) ProcessKPIValue(ctx context.Context, kpiID, tenantID string, value float64, at time.Time) []Alert {
	if at.IsZero() {
		at = e.now()
	}
	return e.process(ctx, types.KPITarget(kpiID), types.MetricValue{TenantID: tenantID, Timestamp: at, Value: value})
}

func (e *Engine) process(ctx context.Context, target string, v types.MetricValue) []Alert {
	if v.Timestamp.IsZero() {
		v.Timestamp = e.now()
	}

	e.mu.Lock()
	obs := observation{value: v, history: append([]point(nil), e.series[target]...)}
	if n := len(obs.history); n > 0 {
		p := obs.history[n-1]
		obs.prev = &p
	}
	e.observe(target, point{At: v.Timestamp, Value: v.Value})
	states := e.rulesFor(target, v.TenantID)
	e.mu.Unlock()

	var out []Alert
	for _, rs := range states {
		a, err := e.evaluate(ctx, rs, target, obs)
		if err != nil {
			slog.Warn("alerts: evaluation error", "rule", rs.rule.ID, "target", target, "err", err)
			e.events.Publish(types.EventEvaluationError, types.EvaluationError{RuleID: rs.rule.ID, Error: err.Error()})
			continue
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// observe records p for target. Caller holds e.mu.
func (e *Engine) observe(target string, p point) {
	s := append(e.series[target], p)
	cutoff := p.At.Add(-seriesRetention)
	drop := 0
	for drop < len(s) && s[drop].At.Before(cutoff) {
		drop++
	}
	if len(s)-drop > seriesLimit {
		drop = len(s) - seriesLimit
	}
	e.series[target] = s[drop:]
	e.lastSeen[target] = e.now()
}

// rulesFor returns enabled rules on target visible to tenant, ordered by id.
// Caller holds e.mu.
func (e *Engine) rulesFor(target, tenant string) []*ruleState {
	var out []*ruleState
	for _, rs := range e.rules {
		r := rs.rule
		if !r.IsEnabled() || r.Target() != target {
			continue
		}
		if r.TenantID != "" && tenant != "" && r.TenantID != tenant {
			continue
		}
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rule.ID < out[j].rule.ID })
	return out
}

// evaluate runs one rule against obs, triggering an alert when every
// required condition is met and nothing suppresses it.
func (e *Engine) evaluate(ctx context.Context, rs *ruleState, target string, obs observation) (*Alert, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rule := rs.rule

	ctx, span := e.tracer.Start(ctx, "alerts.evaluate", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("target", target),
	))
	defer span.End()

	if rule.Type == RuleMissingData {
		if rule.AutoResolve {
			e.resolveRule(rule.ID, "data received")
		}
		return nil, nil
	}

	var (
		required, met int
		gate          *Condition
		measured      float64
		errs          []error
	)
	for i := range rule.Conditions {
		c := rule.Conditions[i]
		ok, m, err := evalCondition(c, obs, rs.detector)
		if err != nil {
			errs = append(errs, fmt.Errorf("conditions[%d]: %w", i, err))
			ok = false
		}
		if !c.Required {
			continue
		}
		required++
		if ok {
			met++
			if gate == nil {
				gate, measured = &c, m
			}
		}
	}
	if rs.detector != nil {
		rs.detector.Add(obs.value.Value)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return nil, fmt.Errorf("alerts: rule %q: %w", rule.ID, err)
	}

	if required == 0 || met != required {
		if rule.AutoResolve {
			e.resolveRule(rule.ID, "condition cleared")
		}
		return nil, nil
	}

	a := e.trigger(ctx, rule, obs.value, gate.threshold(measured), e.now(), describe(rule, target, gate, obs.value.Value, measured))
	if a == nil {
		return nil, nil
	}
	span.SetAttributes(attribute.String("alert.id", a.ID))
	return a, nil
}

// suppressed reports whether rule may not trigger at now and why.
// Caller holds e.mu.
//
// The cooldown check considers any active alert on the rule's target,
// whichever rule raised it.
func (e *Engine) suppressed(rule Rule, now time.Time) (string, bool) {
	target := rule.Target()
	for _, a := range e.alerts {
		if a.Status == StatusActive && a.Target == target && now.Sub(a.TriggeredAt) < rule.CooldownPeriod {
			return "cooldown", true
		}
	}
	for _, s := range rule.Suppression {
		switch s.Type {
		case SuppressTimeWindow:
			if s.activeAt(now) {
				return SuppressTimeWindow, true
			}
		case SuppressDependency:
			for _, a := range e.alerts {
				if a.Status != StatusActive {
					continue
				}
				for _, id := range s.AlertRuleIDs {
					if a.RuleID == id {
						return SuppressDependency, true
					}
				}
			}
		case SuppressCondition:
			// Reserved.
		}
	}
	return "", false
}

func (e *Engine) recordSuppression(rule Rule, target, reason string) {
	slog.Debug("alerts: trigger suppressed", "rule", rule.ID, "target", target, "reason", reason)
	e.events.Publish(types.EventAlertSuppressed, types.AlertSuppressed{RuleID: rule.ID, Target: target, Reason: reason})
}

// trigger creates an active alert and notifies the rule's channels. It
// returns nil when the rule is suppressed at now. The suppression check and
// the insert share one critical section, so rules on the same target cannot
// both pass the cooldown.
// Caller holds the rule's evaluation lock.
func (e *Engine) trigger(ctx context.Context, rule Rule, v types.MetricValue, threshold float64, now time.Time, msg string) *Alert {
	a := &Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		TenantID:    v.TenantID,
		MetricID:    rule.MetricID,
		KPIID:       rule.KPIID,
		Target:      rule.Target(),
		Severity:    rule.Severity,
		Status:      StatusActive,
		Value:       v.Value,
		Threshold:   threshold,
		Message:     msg,
		Dimensions:  v.Dimensions,
		TriggeredAt: now,
	}
	if a.TenantID == "" {
		a.TenantID = rule.TenantID
	}

	e.mu.Lock()
	if reason, ok := e.suppressed(rule, now); ok {
		if st := e.stats[rule.ID]; st != nil {
			st.Suppressed++
		}
		e.mu.Unlock()
		e.recordSuppression(rule, a.Target, reason)
		return nil
	}
	e.alerts[a.ID] = a
	if st := e.stats[rule.ID]; st != nil {
		st.Total++
		st.Active++
		utc := now.UTC()
		st.Hourly[utc.Hour()]++
		st.Daily[int(utc.Weekday())]++
		y, w := utc.ISOWeek()
		st.Weekly[fmt.Sprintf("%d-W%02d", y, w)]++
	}
	e.appendHistory(a.ID, HistoryTriggered, now, map[string]any{
		"ruleId": rule.ID, "value": v.Value, "threshold": threshold, "severity": rule.Severity,
	})
	e.mu.Unlock()

	slog.Warn("alerts: alert triggered", "alert", a.ID, "rule", rule.ID, "target", a.Target, "value", v.Value, "severity", a.Severity)
	e.events.Publish(types.EventAlertTriggered, types.AlertTriggered{AlertID: a.ID, RuleID: rule.ID, Severity: a.Severity})

	e.notify(ctx, a, rule.Channels, "notified")

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := a.clone()
	return &cp
}

// notify dispatches a's notice to channels and records the attempts.
// e.mu must not be held.
func (e *Engine) notify(ctx context.Context, a *Alert, channels []string, action string) {
	if e.dispatch == nil || len(channels) == 0 {
		return
	}
	e.mu.Lock()
	n := notify.Notice{
		AlertID:      a.ID,
		RuleID:       a.RuleID,
		RuleName:     a.RuleName,
		Severity:     a.Severity,
		CurrentValue: a.Value,
		Threshold:    a.Threshold,
		Message:      a.Message,
		TriggeredAt:  a.TriggeredAt,
		MetricID:     a.MetricID,
		KPIID:        a.KPIID,
	}
	e.mu.Unlock()

	recs := e.dispatch.Dispatch(ctx, n, channels)

	e.mu.Lock()
	a.NotificationsSent = append(a.NotificationsSent, recs...)
	a.ActionsTaken = append(a.ActionsTaken, Action{
		Type:   action,
		Detail: fmt.Sprintf("%d channel(s)", len(recs)),
		At:     e.now(),
	})
	e.mu.Unlock()
}

// appendHistory adds an entry, keeping the newest historyLimit. Caller holds e.mu.
func (e *Engine) appendHistory(alertID, event string, at time.Time, ctx map[string]any) {
	h := append(e.history[alertID], HistoryEntry{AlertID: alertID, Event: event, At: at, Context: ctx})
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	e.history[alertID] = h
}

func describe(rule Rule, target string, c *Condition, value, measured float64) string {
	switch c.Type {
	case ConditionPattern:
		return fmt.Sprintf("%s: anomalous value %g on %s (score %.2f)", rule.Name, value, target, measured)
	case ConditionTimeBased:
		return fmt.Sprintf("%s: value %g on %s inside scheduled window", rule.Name, value, target)
	case ConditionChange:
		return fmt.Sprintf("%s: %s changed by %g (%s %g)", rule.Name, target, measured, c.Operator, c.threshold(measured))
	case ConditionRate:
		return fmt.Sprintf("%s: %s moved %.2f%% over %s (%s %g)", rule.Name, target, measured, c.TimeWindow, c.Operator, c.threshold(measured))
	default:
		return fmt.Sprintf("%s: %s value %g (%s %g)", rule.Name, target, value, c.Operator, c.threshold(measured))
	}
}
