package collect

import (
	"time"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// Field priority used when a job does not name its own fields.
var (
	defaultTimestampFields = []string{"timestamp", "time", "date", "created_at", "createdAt"}
	defaultValueFields     = []string{"value", "amount", "count", "total"}
)

// toMetricValues converts validated records. Records without a usable
// timestamp are stamped with now; records without a numeric value get 0.
func toMetricValues(def config.Job, metric types.MetricDefinition, records []record.Record, now time.Time) []types.MetricValue {
	tsFields := def.TimestampFields
	if len(tsFields) == 0 {
		tsFields = defaultTimestampFields
	}
	valueFields := defaultValueFields
	if def.ValueField != "" {
		valueFields = []string{def.ValueField}
	}

	out := make([]types.MetricValue, 0, len(records))
	for _, r := range records {
		v := types.MetricValue{
			MetricID:    def.MetricID,
			TenantID:    metric.TenantID,
			Timestamp:   extractTimestamp(r, tsFields, now),
			Value:       extractValue(r, valueFields),
			Tags:        extractTags(r, def.Tags),
			DataQuality: record.NonNullPct(r),
			Attributes:  r,
		}
		if len(metric.Dimensions) > 0 {
			v.Dimensions = make(map[string]string, len(metric.Dimensions))
			for _, dim := range metric.Dimensions {
				if dv, ok := record.Lookup(r, dim); ok && dv != nil {
					v.Dimensions[dim] = record.String(dv)
				}
			}
		}
		out = append(out, v)
	}
	return out
}

func extractTimestamp(r record.Record, fields []string, now time.Time) time.Time {
	for _, f := range fields {
		v, ok := record.Lookup(r, f)
		if !ok {
			continue
		}
		if t, ok := record.Time(v); ok {
			return t.UTC()
		}
	}
	return now.UTC()
}

func extractValue(r record.Record, fields []string) float64 {
	for _, f := range fields {
		v, ok := record.Lookup(r, f)
		if !ok {
			continue
		}
		if n, ok := record.Float(v); ok {
			return n
		}
	}
	return 0
}

// extractTags merges the record's "tags" list with the job tags, dropping
// duplicates and keeping first-seen order.
func extractTags(r record.Record, jobTags []string) []string {
	var tags []string
	seen := map[string]bool{}
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	switch v := r["tags"].(type) {
	case []any:
		for _, t := range v {
			add(record.String(t))
		}
	case []string:
		for _, t := range v {
			add(t)
		}
	case string:
		add(v)
	}
	for _, t := range jobTags {
		add(t)
	}
	return tags
}
