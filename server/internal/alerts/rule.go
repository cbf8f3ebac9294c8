package alerts

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/anomaly"
)

// RuleType classifies a rule.
type RuleType string

// Rule types.
const (
	RuleThreshold   RuleType = "threshold"
	RuleAnomaly     RuleType = "anomaly"
	RuleTrend       RuleType = "trend"
	RuleMissingData RuleType = "missing_data"
	RuleComposite   RuleType = "composite"
)

// ConditionType selects what a condition measures.
type ConditionType string

// Condition types.
const (
	ConditionValue     ConditionType = "value"
	ConditionChange    ConditionType = "change"
	ConditionRate      ConditionType = "rate"
	ConditionPattern   ConditionType = "pattern"
	ConditionTimeBased ConditionType = "time_based"
)

// Operator compares a measured quantity with a threshold.
type Operator string

// Operators.
const (
	OpGT      Operator = "gt"
	OpGTE     Operator = "gte"
	OpLT      Operator = "lt"
	OpLTE     Operator = "lte"
	OpEQ      Operator = "eq"
	OpNE      Operator = "ne"
	OpBetween Operator = "between"
	OpOutside Operator = "outside"
)

// Severities, lowest first.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Suppression types.
const (
	SuppressTimeWindow = "time_window"
	SuppressDependency = "dependency"
	SuppressCondition  = "condition"
)

// Condition is one test within a rule.
type Condition struct {
	Type     ConditionType `yaml:"type" json:"type"`
	Operator Operator      `yaml:"operator" json:"operator"`

	// Threshold is the scalar compared against; Range is [min, max] for
	// between and outside.
	Threshold float64   `yaml:"threshold" json:"threshold"`
	Range     []float64 `yaml:"range" json:"range,omitempty"`

	// TimeWindow is the lookback for rate conditions.
	TimeWindow time.Duration `yaml:"time_window" json:"timeWindow,omitempty"`

	// Required conditions gate triggering; optional ones are informational.
	Required bool `yaml:"required" json:"required"`

	// Dimensions restricts the condition to values whose dimensions match
	// every listed key.
	Dimensions map[string]string `yaml:"dimensions" json:"dimensions,omitempty"`

	// Hours (0–23) and Weekdays (0 = Sunday) restrict time_based conditions.
	Hours    []int `yaml:"hours" json:"hours,omitempty"`
	Weekdays []int `yaml:"weekdays" json:"weekdays,omitempty"`
}

// EscalationRule raises an unacknowledged alert once it has been active for After.
type EscalationRule struct {
	After    time.Duration `yaml:"after" json:"after"`
	Severity string        `yaml:"severity" json:"severity,omitempty"`

	// Channels notified on escalation; empty means the rule's channels.
	Channels []string `yaml:"channels" json:"channels,omitempty"`
}

// SuppressionRule prevents triggering despite met conditions.
type SuppressionRule struct {
	Type string `yaml:"type" json:"type"`

	// Start and End bound a time_window suppression as "HH:MM" (UTC). A
	// window whose End precedes Start spans midnight.
	Start    string `yaml:"start" json:"start,omitempty"`
	End      string `yaml:"end" json:"end,omitempty"`
	Weekdays []int  `yaml:"weekdays" json:"weekdays,omitempty"`

	// AlertRuleIDs lists the rules a dependency suppression waits on.
	AlertRuleIDs []string `yaml:"alert_rule_ids" json:"alertRuleIds,omitempty"`
}

// Rule is a tenant-scoped set of conditions that produce alerts when met.
type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	TenantID string `yaml:"tenant_id" json:"tenantId,omitempty"`

	// Exactly one of MetricID and KPIID is set.
	MetricID string `yaml:"metric_id" json:"metricId,omitempty"`
	KPIID    string `yaml:"kpi_id" json:"kpiId,omitempty"`

	Type       RuleType    `yaml:"type" json:"type"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Severity   string      `yaml:"severity" json:"severity"`

	// CooldownPeriod is the minimum age of an active alert on the same
	// target before another may trigger. Zero uses the engine default.
	CooldownPeriod time.Duration `yaml:"cooldown_period" json:"cooldownPeriod"`

	Escalation  []EscalationRule  `yaml:"escalation" json:"escalation,omitempty"`
	Suppression []SuppressionRule `yaml:"suppression" json:"suppression,omitempty"`
	Channels    []string          `yaml:"channels" json:"channels,omitempty"`

	Enabled *bool `yaml:"enabled" json:"-"`

	// AutoResolve resolves this rule's active alerts when it stops triggering.
	AutoResolve bool `yaml:"auto_resolve" json:"autoResolve"`

	// MissingDataAfter is the silence that triggers a missing_data rule.
	MissingDataAfter time.Duration `yaml:"missing_data_after" json:"missingDataAfter,omitempty"`

	// Anomaly overrides the engine's detector settings for pattern conditions.
	Anomaly *anomaly.Config `yaml:"anomaly" json:"anomaly,omitempty"`
}

// IsEnabled reports whether the rule is evaluated. Rules default to enabled.
func (r Rule) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Target returns the key alerts and cooldowns are grouped by.
func (r Rule) Target() string {
	if r.KPIID != "" {
		return types.KPITarget(r.KPIID)
	}
	return r.MetricID
}

// usesDetector reports whether the rule needs an anomaly detector.
func (r Rule) usesDetector() bool {
	if r.Type == RuleAnomaly {
		return true
	}
	for _, c := range r.Conditions {
		if c.Type == ConditionPattern {
			return true
		}
	}
	return false
}

// Validate checks the rule's structural invariants.
func (r Rule) Validate() error {
	var errs []error
	if (r.MetricID == "") == (r.KPIID == "") {
		errs = append(errs, errors.New("exactly one of metric_id and kpi_id must be set"))
	}
	switch r.Type {
	case RuleThreshold, RuleAnomaly, RuleTrend, RuleComposite:
	case RuleMissingData:
		if r.MissingDataAfter <= 0 {
			errs = append(errs, errors.New("missing_data rule needs missing_data_after > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("type %q unknown", r.Type))
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical, "":
	default:
		errs = append(errs, fmt.Errorf("severity %q unknown", r.Severity))
	}
	if len(r.Conditions) == 0 {
		errs = append(errs, errors.New("at least one condition is required"))
	}
	required := 0
	for i, c := range r.Conditions {
		if c.Required {
			required++
		}
		if err := c.validate(); err != nil {
			errs = append(errs, fmt.Errorf("conditions[%d]: %w", i, err))
		}
	}
	if len(r.Conditions) > 0 && required == 0 {
		errs = append(errs, errors.New("at least one condition must be required"))
	}
	for i, s := range r.Suppression {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("suppression[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("alerts: rule %q: %w", r.ID, err)
	}
	return nil
}

func (c Condition) validate() error {
	switch c.Type {
	case ConditionValue, ConditionChange, ConditionPattern, ConditionTimeBased:
	case ConditionRate:
		if c.TimeWindow <= 0 {
			return errors.New("rate condition needs time_window > 0")
		}
	default:
		return fmt.Errorf("type %q unknown", c.Type)
	}
	if c.Type == ConditionPattern || c.Type == ConditionTimeBased {
		return nil
	}
	switch c.Operator {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
	case OpBetween, OpOutside:
		if len(c.Range) != 2 || c.Range[0] > c.Range[1] {
			return fmt.Errorf("operator %s needs range [min, max]", c.Operator)
		}
	default:
		return fmt.Errorf("operator %q unknown", c.Operator)
	}
	return nil
}

func (s SuppressionRule) validate() error {
	switch s.Type {
	case SuppressTimeWindow:
		if _, err := parseClock(s.Start); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if _, err := parseClock(s.End); err != nil {
			return fmt.Errorf("end: %w", err)
		}
	case SuppressDependency:
		if len(s.AlertRuleIDs) == 0 {
			return errors.New("dependency suppression needs alert_rule_ids")
		}
	case SuppressCondition:
	default:
		return fmt.Errorf("type %q unknown", s.Type)
	}
	return nil
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	return h*60 + m, nil
}

// sortEscalation orders escalation steps by After.
func sortEscalation(steps []EscalationRule) []EscalationRule {
	out := append([]EscalationRule(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].After < out[j].After })
	return out
}
