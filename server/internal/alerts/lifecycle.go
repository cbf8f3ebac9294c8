package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/obsidianstack/metricflow/pkg/types"
)

// ResolveAlert moves an active alert to resolved. userID may be empty for
// automatic resolution.
func (e *Engine) ResolveAlert(id, reason, userID string) error {
	now := e.now()

	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlertNotFound, id)
	}
	if a.Status != StatusActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrAlertNotActive, id, a.Status)
	}
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = userID
	a.ResolutionReason = reason
	a.ActionsTaken = append(a.ActionsTaken, Action{Type: "resolved", Detail: reason, At: now})
	duration := now.Sub(a.TriggeredAt)

	if st := e.stats[a.RuleID]; st != nil {
		st.Active--
		st.Resolved++
		st.totalResolution += duration
		st.AvgResolution = st.totalResolution / time.Duration(st.Resolved)
	}
	e.appendHistory(id, HistoryResolved, now, map[string]any{
		"reason": reason, "userId": userID, "duration": duration.String(),
	})
	e.mu.Unlock()

	slog.Info("alerts: alert resolved", "alert", id, "reason", reason, "duration", duration)
	e.events.Publish(types.EventAlertResolved, types.AlertResolved{AlertID: id, Reason: reason, Duration: duration})
	return nil
}

// resolveRule resolves every active alert raised by ruleID.
func (e *Engine) resolveRule(ruleID, reason string) {
	e.mu.Lock()
	var ids []string
	for id, a := range e.alerts {
		if a.RuleID == ruleID && a.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		// Lost races with a manual resolve are harmless.
		_ = e.ResolveAlert(id, reason, "system")
	}
}

// AcknowledgeAlert records that userID has seen an active alert. The alert
// stays active; acknowledged alerts are not escalated.
func (e *Engine) AcknowledgeAlert(id, userID, notes string) error {
	now := e.now()

	e.mu.Lock()
	a, ok := e.alerts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlertNotFound, id)
	}
	if a.Status != StatusActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrAlertNotActive, id, a.Status)
	}
	a.AcknowledgedBy = userID
	a.AcknowledgedAt = &now
	a.AcknowledgeNotes = notes
	a.ActionsTaken = append(a.ActionsTaken, Action{Type: "acknowledged", Detail: userID, At: now})
	e.appendHistory(id, HistoryAcknowledged, now, map[string]any{"userId": userID, "notes": notes})
	e.mu.Unlock()

	slog.Info("alerts: alert acknowledged", "alert", id, "user", userID)
	e.events.Publish(types.EventAlertAcknowledged, types.AlertAcknowledged{AlertID: id, UserID: userID})
	return nil
}

// Alert returns one alert.
func (e *Engine) Alert(id string) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %q", ErrAlertNotFound, id)
	}
	return a.clone(), nil
}

// ActiveAlerts returns active alerts, newest first.
func (e *Engine) ActiveAlerts() []Alert {
	return e.Alerts(StatusActive)
}

// Alerts returns alerts with the given status (all when empty), newest first.
// Resolved alerts are retained for 24 hours.
func (e *Engine) Alerts(status Status) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if status == "" || a.Status == status {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the lifecycle log of an alert, oldest first.
func (e *Engine) History(alertID string) []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HistoryEntry(nil), e.history[alertID]...)
}

type escalation struct {
	alert    *Alert
	level    int
	channels []string
}

// CheckEscalations raises each unacknowledged active alert whose next
// escalation step is due at now by one level. It returns the number escalated.
func (e *Engine) CheckEscalations(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	var due []escalation
	for _, a := range e.alerts {
		if a.Status != StatusActive || a.AcknowledgedAt != nil {
			continue
		}
		rs, ok := e.rules[a.RuleID]
		if !ok || a.EscalationLevel >= len(rs.rule.Escalation) {
			continue
		}
		step := rs.rule.Escalation[a.EscalationLevel]
		if now.Sub(a.TriggeredAt) < step.After {
			continue
		}
		a.EscalationLevel++
		if step.Severity != "" {
			a.Severity = step.Severity
		}
		channels := step.Channels
		if len(channels) == 0 {
			channels = rs.rule.Channels
		}
		a.ActionsTaken = append(a.ActionsTaken, Action{
			Type: "escalated", Detail: fmt.Sprintf("level %d", a.EscalationLevel), At: now,
		})
		e.appendHistory(a.ID, HistoryEscalated, now, map[string]any{
			"level": a.EscalationLevel, "severity": a.Severity,
		})
		due = append(due, escalation{alert: a, level: a.EscalationLevel, channels: channels})
	}
	e.mu.Unlock()

	for _, d := range due {
		e.mu.Lock()
		sev := d.alert.Severity
		e.mu.Unlock()
		slog.Warn("alerts: alert escalated", "alert", d.alert.ID, "level", d.level, "severity", sev)
		e.events.Publish(types.EventAlertEscalated, types.AlertEscalated{AlertID: d.alert.ID, Level: d.level, Severity: sev})
		e.notify(ctx, d.alert, d.channels, "escalation_notified")
	}
	return len(due)
}

// CheckMissingData triggers missing_data rules whose target has been silent
// for at least MissingDataAfter. A rule with an active alert is skipped.
func (e *Engine) CheckMissingData(ctx context.Context, now time.Time) []Alert {
	e.mu.Lock()
	var states []*ruleState
	for _, rs := range e.rules {
		if rs.rule.Type == RuleMissingData && rs.rule.IsEnabled() {
			states = append(states, rs)
		}
	}
	e.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].rule.ID < states[j].rule.ID })

	var out []Alert
	for _, rs := range states {
		if a := e.checkMissing(ctx, rs, now); a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (e *Engine) checkMissing(ctx context.Context, rs *ruleState, now time.Time) *Alert {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rule := rs.rule
	target := rule.Target()

	e.mu.Lock()
	last, seen := e.lastSeen[target]
	if !seen {
		last = rs.addedAt
	}
	open := false
	for _, a := range e.alerts {
		if a.RuleID == rule.ID && a.Status == StatusActive {
			open = true
			break
		}
	}
	e.mu.Unlock()

	silence := now.Sub(last)
	if open || silence < rule.MissingDataAfter {
		return nil
	}
	// Only schedule conditions apply; there is no value to compare.
	for _, c := range rule.Conditions {
		if c.Required && c.Type == ConditionTimeBased && !inSchedule(now, c.Hours, c.Weekdays) {
			return nil
		}
	}
	v := types.MetricValue{MetricID: rule.MetricID, TenantID: rule.TenantID, Timestamp: now}
	msg := fmt.Sprintf("%s: no data for %s in %s", rule.Name, target, silence.Truncate(time.Second))
	return e.trigger(ctx, rule, v, rule.MissingDataAfter.Seconds(), now, msg)
}

// PurgeExpired drops resolved alerts older than 24 hours and history older
// than 30 days. It returns the number of alerts dropped.
func (e *Engine) PurgeExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, a := range e.alerts {
		if a.Status == StatusResolved && a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) > resolvedRetention {
			delete(e.alerts, id)
			n++
		}
	}

	cutoff := now.Add(-historyRetention)
	for id, h := range e.history {
		keep := 0
		for keep < len(h) && h[keep].At.Before(cutoff) {
			keep++
		}
		if keep == len(h) {
			delete(e.history, id)
			continue
		}
		e.history[id] = h[keep:]
	}
	return n
}
