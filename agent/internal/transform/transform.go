package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/obsidianstack/metricflow/agent/internal/formula"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

// Operator types.
const (
	TypeMap       = "map"
	TypeFilter    = "filter"
	TypeAggregate = "aggregate"
	TypeCalculate = "calculate"
)

// Transformation is one configured operator.
type Transformation struct {
	// ID is optional and only used in logs.
	ID    string `yaml:"id"`
	Type  string `yaml:"type"`
	Order int    `yaml:"order"`

	// map: target field -> source path.
	Mapping map[string]string `yaml:"mapping"`
	// map: tags appended to the record's "tags" list.
	Tags []string `yaml:"tags"`

	// filter: all conditions must hold.
	Conditions []Condition `yaml:"conditions"`

	// aggregate
	GroupBy      []string      `yaml:"group_by"`
	Aggregations []Aggregation `yaml:"aggregations"`

	// calculate
	Formula string `yaml:"formula"`
	Output  string `yaml:"output"`
}

// Condition is one filter predicate.
type Condition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"` // eq|ne|gt|gte|lt|lte|contains|startsWith|endsWith
	Value    any    `yaml:"value"`
}

// Aggregation computes one output field per group.
type Aggregation struct {
	Field    string `yaml:"field"`
	Function string `yaml:"function"` // sum|average|min|max|count|distinct_count
	Output   string `yaml:"output"`
}

// Result is the outcome of Apply.
type Result struct {
	Records []record.Record
	Skipped int
	Errors  int
}

// Apply runs transformations over records in ascending Order. The input
// slice and its records are not modified.
func Apply(records []record.Record, transformations []Transformation) Result {
	cur := make([]record.Record, len(records))
	for i, r := range records {
		cur[i] = record.Clone(r)
	}
	res := Result{}

	for _, t := range Sorted(transformations) {
		out, skipped, errs, err := runStage(t, cur)
		if err != nil {
			res.Errors++
			slog.Warn("transform: operator failed, keeping previous stage",
				"id", t.ID, "type", t.Type, "err", err)
			continue
		}
		cur = out
		res.Skipped += skipped
		res.Errors += errs
	}
	res.Records = cur
	return res
}

// Sorted returns transformations ordered by Order, stable on ties.
func Sorted(transformations []Transformation) []Transformation {
	out := append([]Transformation(nil), transformations...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// runStage applies one operator. A panic inside the operator is converted to
// an error so the caller can fall back to the stage input.
func runStage(t Transformation, in []record.Record) (out []record.Record, skipped, errs int, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, skipped, errs = nil, 0, 0
			err = fmt.Errorf("operator panic: %v", r)
		}
	}()

	switch t.Type {
	case TypeMap:
		out, err = applyMap(t, in)
		return out, 0, 0, err
	case TypeFilter:
		out, skipped, err = applyFilter(t, in)
		return out, skipped, 0, err
	case TypeAggregate:
		out, err = applyAggregate(t, in)
		return out, 0, 0, err
	case TypeCalculate:
		out, errs, err = applyCalculate(t, in)
		return out, 0, errs, err
	default:
		return nil, 0, 0, fmt.Errorf("unknown transformation type %q", t.Type)
	}
}

func applyMap(t Transformation, in []record.Record) ([]record.Record, error) {
	if len(t.Mapping) == 0 && len(t.Tags) == 0 {
		return nil, errors.New("map: mapping or tags required")
	}
	// Deterministic target order so overlapping targets resolve the same way.
	targets := make([]string, 0, len(t.Mapping))
	for target := range t.Mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	out := make([]record.Record, 0, len(in))
	for _, r := range in {
		next := record.Clone(r)
		for _, target := range targets {
			if v, ok := record.Lookup(r, t.Mapping[target]); ok {
				record.Set(next, target, v)
			}
		}
		if len(t.Tags) > 0 {
			next["tags"] = appendTags(next["tags"], t.Tags)
		}
		out = append(out, next)
	}
	return out, nil
}

func appendTags(existing any, add []string) []any {
	var tags []any
	switch v := existing.(type) {
	case []any:
		tags = append(tags, v...)
	case []string:
		for _, s := range v {
			tags = append(tags, s)
		}
	case string:
		if v != "" {
			tags = append(tags, v)
		}
	}
	for _, s := range add {
		tags = append(tags, s)
	}
	return tags
}

func applyFilter(t Transformation, in []record.Record) ([]record.Record, int, error) {
	if len(t.Conditions) == 0 {
		return nil, 0, errors.New("filter: at least one condition required")
	}
	out := make([]record.Record, 0, len(in))
	skipped := 0
	for _, r := range in {
		keep := true
		for _, c := range t.Conditions {
			if !Match(r, c) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		} else {
			skipped++
		}
	}
	return out, skipped, nil
}

// Match reports whether r satisfies c. Ordering operators compare numerically
// when both sides are numeric and lexically otherwise.
func Match(r record.Record, c Condition) bool {
	v, ok := record.Lookup(r, c.Field)
	if !ok {
		return false
	}
	switch c.Operator {
	case "contains":
		return strings.Contains(record.String(v), record.String(c.Value))
	case "startsWith":
		return strings.HasPrefix(record.String(v), record.String(c.Value))
	case "endsWith":
		return strings.HasSuffix(record.String(v), record.String(c.Value))
	}

	cmp := compare(v, c.Value)
	switch c.Operator {
	case "eq":
		return cmp == 0
	case "ne":
		return cmp != 0
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	default:
		return false
	}
}

// compare returns -1/0/1. Numbers compare numerically; everything else by
// string form.
func compare(a, b any) int {
	fa, okA := record.Float(a)
	fb, okB := record.Float(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(record.String(a), record.String(b))
}

type group struct {
	first record.Record
	rows  []record.Record
}

func applyAggregate(t Transformation, in []record.Record) ([]record.Record, error) {
	if len(t.Aggregations) == 0 {
		return nil, errors.New("aggregate: at least one aggregation required")
	}
	var order []string
	groups := map[string]*group{}
	for _, r := range in {
		parts := make([]string, len(t.GroupBy))
		for i, f := range t.GroupBy {
			v, _ := record.Lookup(r, f)
			parts[i] = record.String(v)
		}
		key := strings.Join(parts, "|")
		g, ok := groups[key]
		if !ok {
			g = &group{first: r}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, r)
	}

	out := make([]record.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := record.Record{}
		for _, f := range t.GroupBy {
			if v, ok := record.Lookup(g.first, f); ok {
				record.Set(row, f, v)
			}
		}
		for _, agg := range t.Aggregations {
			name := agg.Output
			if name == "" {
				name = agg.Field + "_" + agg.Function
			}
			v, err := aggregate(agg, g.rows)
			if err != nil {
				return nil, err
			}
			row[name] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func aggregate(agg Aggregation, rows []record.Record) (float64, error) {
	switch agg.Function {
	case "count":
		return float64(len(rows)), nil
	case "distinct_count":
		seen := map[string]struct{}{}
		for _, r := range rows {
			if v, ok := record.Lookup(r, agg.Field); ok {
				seen[record.String(v)] = struct{}{}
			}
		}
		return float64(len(seen)), nil
	}

	var nums []float64
	for _, r := range rows {
		v, ok := record.Lookup(r, agg.Field)
		if !ok {
			continue
		}
		if f, ok := record.Float(v); ok {
			nums = append(nums, f)
		}
	}

	switch agg.Function {
	case "sum":
		return sum(nums), nil
	case "average":
		if len(nums) == 0 {
			return 0, nil
		}
		return sum(nums) / float64(len(nums)), nil
	case "min":
		if len(nums) == 0 {
			return 0, nil
		}
		m := math.Inf(1)
		for _, n := range nums {
			m = math.Min(m, n)
		}
		return m, nil
	case "max":
		if len(nums) == 0 {
			return 0, nil
		}
		m := math.Inf(-1)
		for _, n := range nums {
			m = math.Max(m, n)
		}
		return m, nil
	default:
		return 0, fmt.Errorf("aggregate: unknown function %q", agg.Function)
	}
}

func sum(nums []float64) float64 {
	var s float64
	for _, n := range nums {
		s += n
	}
	return s
}

func applyCalculate(t Transformation, in []record.Record) ([]record.Record, int, error) {
	if t.Formula == "" || t.Output == "" {
		return nil, 0, errors.New("calculate: formula and output required")
	}
	out := make([]record.Record, 0, len(in))
	errs := 0
	for _, r := range in {
		v, err := formula.Number(t.Formula, r)
		if err != nil {
			errs++
			slog.Debug("transform: calculate failed for record", "formula", t.Formula, "err", err)
			out = append(out, r)
			continue
		}
		next := record.Clone(r)
		record.Set(next, t.Output, v)
		out = append(out, next)
	}
	return out, errs, nil
}
