// Package validate applies declarative validation rules to transformed
// records. A record survives unless a rule with error action "fail" rejects
// it; "log" and "alert" failures are reported as Issues only.
package validate

import (
	"errors"
	"fmt"

	"github.com/obsidianstack/metricflow/agent/internal/formula"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

// Rule types.
const (
	TypeRange      = "range"
	TypeComparison = "comparison"
	TypeTrend      = "trend"
	TypeCustom     = "custom"
)

// Error actions.
const (
	ActionLog   = "log"
	ActionAlert = "alert"
	ActionFail  = "fail"
)

// Rule is one validation rule.
type Rule struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// range: Field within [Min, Max]; either bound may be omitted.
	Field string   `yaml:"field"`
	Min   *float64 `yaml:"min"`
	Max   *float64 `yaml:"max"`

	// comparison: Field <Operator> CompareField.
	Operator     string `yaml:"operator"` // eq|ne|gt|gte|lt|lte
	CompareField string `yaml:"compare_field"`

	// custom: boolean formula over the record.
	Formula string `yaml:"formula"`

	ErrorAction string `yaml:"error_action"` // log|alert|fail (default log)
}

// Label returns Name, or the rule type when unnamed.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Type
}

// Issue is one failed rule on one record.
type Issue struct {
	Rule    string
	Action  string
	Index   int // position of the record in the validated input
	Message string
}

// Result is the outcome of Validate.
type Result struct {
	Valid   []record.Record
	Dropped int
	Issues  []Issue
}

// Validate evaluates every rule against every record.
func Validate(records []record.Record, rules []Rule) Result {
	res := Result{Valid: make([]record.Record, 0, len(records))}
	for i, r := range records {
		keep := true
		for _, rule := range rules {
			err := Check(rule, r)
			if err == nil {
				continue
			}
			action := rule.ErrorAction
			if action == "" {
				action = ActionLog
			}
			res.Issues = append(res.Issues, Issue{
				Rule:    rule.Label(),
				Action:  action,
				Index:   i,
				Message: err.Error(),
			})
			if action == ActionFail {
				keep = false
			}
		}
		if keep {
			res.Valid = append(res.Valid, r)
		} else {
			res.Dropped++
		}
	}
	return res
}

// Check returns nil when r passes rule. Evaluation problems (missing field,
// bad formula) are reported as failures.
func Check(rule Rule, r record.Record) error {
	switch rule.Type {
	case TypeRange:
		v, err := number(r, rule.Field)
		if err != nil {
			return err
		}
		if rule.Min != nil && v < *rule.Min {
			return fmt.Errorf("%s=%v below minimum %v", rule.Field, v, *rule.Min)
		}
		if rule.Max != nil && v > *rule.Max {
			return fmt.Errorf("%s=%v above maximum %v", rule.Field, v, *rule.Max)
		}
		return nil

	case TypeComparison:
		a, err := number(r, rule.Field)
		if err != nil {
			return err
		}
		b, err := number(r, rule.CompareField)
		if err != nil {
			return err
		}
		ok, err := compare(a, rule.Operator, b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s=%v %s %s=%v does not hold", rule.Field, a, rule.Operator, rule.CompareField, b)
		}
		return nil

	case TypeTrend:
		// Reserved for time-series validation across records.
		return nil

	case TypeCustom:
		ok, err := formula.Bool(rule.Formula, r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("formula %q evaluated to false", rule.Formula)
		}
		return nil

	default:
		return fmt.Errorf("unknown validation rule type %q", rule.Type)
	}
}

func number(r record.Record, field string) (float64, error) {
	v, ok := record.Lookup(r, field)
	if !ok {
		return 0, fmt.Errorf("field %q missing", field)
	}
	f, ok := record.Float(v)
	if !ok {
		return 0, fmt.Errorf("field %q is not numeric", field)
	}
	return f, nil
}

func compare(a float64, op string, b float64) (bool, error) {
	switch op {
	case "eq":
		return a == b, nil
	case "ne":
		return a != b, nil
	case "gt":
		return a > b, nil
	case "gte":
		return a >= b, nil
	case "lt":
		return a < b, nil
	case "lte":
		return a <= b, nil
	case "":
		return false, errors.New("comparison operator required")
	default:
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}
}
