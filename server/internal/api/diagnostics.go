package api

import (
	"fmt"
	"time"

	"github.com/obsidianstack/metricflow/server/internal/alerts"
)

// DiagnosticHint is one human-readable observation about a rule's alerting
// history. The UI shows Title as a chip and Detail on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

const (
	flapMinAlerts     = 10
	flapMaxResolution = 5 * time.Minute
	slowResolution    = 4 * time.Hour
	peakMinAlerts     = 5
)

// computeDiagnostics derives hints from a rule and its statistics. Hints
// are ordered critical first, then warnings, then info.
func computeDiagnostics(rule alerts.Rule, st alerts.Statistics) []DiagnosticHint {
	hints := []DiagnosticHint{}

	if !rule.IsEnabled() {
		return append(hints, DiagnosticHint{
			Key:   "disabled",
			Level: "info",
			Title: "Rule disabled",
			Detail: "This rule is not evaluated. Values keep flowing into the history " +
				"buffers, so enabling it again starts from current data.",
		})
	}

	// Open alerts.
	if st.Active > 0 {
		v := float64(st.Active)
		level := "warning"
		if rule.Severity == alerts.SeverityCritical {
			level = "critical"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "active",
			Level: level,
			Title: fmt.Sprintf("%d open alert(s)", st.Active),
			Detail: fmt.Sprintf("%d alert(s) raised by this rule are still active. "+
				"Acknowledge them to stop escalation, or resolve them once the cause is fixed.", st.Active),
			Value: &v,
		})
	}

	// Flapping: many alerts that clear almost immediately.
	if st.Total >= flapMinAlerts && st.Resolved > 0 && st.AvgResolution < flapMaxResolution {
		v := st.AvgResolution.Seconds()
		hints = append(hints, DiagnosticHint{
			Key:   "flapping",
			Level: "warning",
			Title: "Flapping rule",
			Detail: fmt.Sprintf("%d alerts so far, resolved after %s on average. "+
				"The threshold sits close to normal values; raise it, require more "+
				"conditions, or lengthen the cooldown.", st.Total, st.AvgResolution.Round(time.Second)),
			Value: &v,
		})
	}

	if st.Resolved > 0 && st.AvgResolution >= slowResolution {
		v := st.AvgResolution.Hours()
		hints = append(hints, DiagnosticHint{
			Key:   "slow_resolution",
			Level: "warning",
			Title: "Slow resolution",
			Detail: fmt.Sprintf("Alerts from this rule stay open for %.1f hours on average. "+
				"Consider an escalation policy or auto-resolve.", v),
			Value: &v,
		})
	}

	if st.Total == 0 && st.Suppressed == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "quiet",
			Level:  "ok",
			Title:  "No alerts yet",
			Detail: "This rule has not triggered since it was added.",
		})
	}

	// Suppression outweighs real triggers.
	if st.Suppressed > 0 && st.Suppressed >= st.Total {
		v := float64(st.Suppressed)
		hints = append(hints, DiagnosticHint{
			Key:   "mostly_suppressed",
			Level: "info",
			Title: "Mostly suppressed",
			Detail: fmt.Sprintf("%d trigger(s) were held back by cooldown or suppression windows, "+
				"versus %d alert(s) raised.", st.Suppressed, st.Total),
			Value: &v,
		})
	}

	if hour, n := peakHour(st); st.Total >= peakMinAlerts && n*2 > st.Total {
		v := float64(hour)
		hints = append(hints, DiagnosticHint{
			Key:   "peak_hour",
			Level: "info",
			Title: fmt.Sprintf("Clusters at %02d:00 UTC", hour),
			Detail: fmt.Sprintf("%d of %d alerts fired during the %02d:00 UTC hour. "+
				"A scheduled job or daily traffic peak is the usual cause; a time window "+
				"suppression may fit.", n, st.Total, hour),
			Value: &v,
		})
	}

	return sortHints(hints)
}

func peakHour(st alerts.Statistics) (hour, count int) {
	for h, n := range st.Hourly {
		if n > count {
			hour, count = h, n
		}
	}
	return hour, count
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// sortHints orders hints by level, keeping insertion order within a level.
func sortHints(hints []DiagnosticHint) []DiagnosticHint {
	out := make([]DiagnosticHint, 0, len(hints))
	for rank := 0; rank <= 3; rank++ {
		for _, h := range hints {
			if levelRank[h.Level] == rank {
				out = append(out, h)
			}
		}
	}
	return out
}
