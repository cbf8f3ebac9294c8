package alerts

import (
	"errors"
	"math"
	"slices"
	"time"

	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/anomaly"
)

// point is one past observation of a target.
type point struct {
	At    time.Time
	Value float64
}

// observation is the input a rule's conditions are evaluated against.
type observation struct {
	value types.MetricValue

	// prev is the target's previous observation, if any.
	prev *point

	// history holds earlier observations of the target, oldest first.
	history []point
}

var (
	errNoDetector = errors.New("pattern condition without anomaly detector")
	errNonFinite  = errors.New("value is not a finite number")
)

// evalCondition reports whether c is met by obs and the quantity it measured.
func evalCondition(c Condition, obs observation, det *anomaly.Detector) (bool, float64, error) {
	if !c.matchesDimensions(obs.value.Dimensions) {
		return false, 0, nil
	}
	v := obs.value.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false, 0, errNonFinite
	}

	switch c.Type {
	case ConditionValue:
		return compare(v, c), v, nil

	case ConditionChange:
		if obs.prev == nil {
			return false, 0, nil
		}
		delta := v - obs.prev.Value
		return compare(delta, c), delta, nil

	case ConditionRate:
		rate, ok := rateOver(obs, c.TimeWindow)
		if !ok {
			return false, 0, nil
		}
		return compare(rate, c), rate, nil

	case ConditionPattern:
		if det == nil {
			return false, 0, errNoDetector
		}
		res := det.Detect(v)
		return res.Anomalous, res.Score, nil

	case ConditionTimeBased:
		return inSchedule(obs.value.Timestamp, c.Hours, c.Weekdays), v, nil
	}
	return false, 0, nil
}

// rateOver returns the percent change of the current value versus the oldest
// observation inside window. It is undefined without such an observation or
// when that observation is zero.
func rateOver(obs observation, window time.Duration) (float64, bool) {
	cutoff := obs.value.Timestamp.Add(-window)
	for _, p := range obs.history {
		if p.At.Before(cutoff) || !p.At.Before(obs.value.Timestamp) {
			continue
		}
		if p.Value == 0 {
			return 0, false
		}
		return (obs.value.Value - p.Value) / math.Abs(p.Value) * 100, true
	}
	return 0, false
}

// compare applies c's operator to x.
func compare(x float64, c Condition) bool {
	switch c.Operator {
	case OpGT:
		return x > c.Threshold
	case OpGTE:
		return x >= c.Threshold
	case OpLT:
		return x < c.Threshold
	case OpLTE:
		return x <= c.Threshold
	case OpEQ:
		return x == c.Threshold
	case OpNE:
		return x != c.Threshold
	case OpBetween:
		return len(c.Range) == 2 && x >= c.Range[0] && x <= c.Range[1]
	case OpOutside:
		return len(c.Range) == 2 && (x < c.Range[0] || x > c.Range[1])
	default:
		return false
	}
}

// threshold returns the bound x was compared against.
func (c Condition) threshold(x float64) float64 {
	if (c.Operator == OpBetween || c.Operator == OpOutside) && len(c.Range) == 2 {
		if math.Abs(x-c.Range[0]) <= math.Abs(x-c.Range[1]) {
			return c.Range[0]
		}
		return c.Range[1]
	}
	return c.Threshold
}

func (c Condition) matchesDimensions(dims map[string]string) bool {
	for k, want := range c.Dimensions {
		if dims[k] != want {
			return false
		}
	}
	return true
}

// inSchedule reports whether t (UTC) falls on one of hours and weekdays.
// An empty list places no restriction.
func inSchedule(t time.Time, hours, weekdays []int) bool {
	t = t.UTC()
	if len(hours) > 0 && !slices.Contains(hours, t.Hour()) {
		return false
	}
	if len(weekdays) > 0 && !slices.Contains(weekdays, int(t.Weekday())) {
		return false
	}
	return true
}

// activeAt reports whether a time_window suppression covers t (UTC).
func (s SuppressionRule) activeAt(t time.Time) bool {
	t = t.UTC()
	if len(s.Weekdays) > 0 && !slices.Contains(s.Weekdays, int(t.Weekday())) {
		return false
	}
	start, err1 := parseClock(s.Start)
	end, err2 := parseClock(s.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
