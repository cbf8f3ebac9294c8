package types

import "time"

// MetricValue is a single timestamped, dimensioned numeric observation.
// It is immutable once created and is the unit alert rules operate on.
type MetricValue struct {
	MetricID   string            `json:"metric_id"`
	TenantID   string            `json:"tenant_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Tags       []string          `json:"tags,omitempty"`

	// DataQuality is the percentage (0–100) of non-null fields in the record
	// the value was converted from.
	DataQuality float64 `json:"data_quality"`

	// Attributes holds the transformed source record, including fields
	// written by calculate operators.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// MetricDefinition describes a metric known to the pipeline. Conversion uses
// Dimensions to pick which record fields become MetricValue dimensions.
type MetricDefinition struct {
	ID              string        `json:"id" yaml:"id"`
	TenantID        string        `json:"tenant_id" yaml:"tenant_id"`
	Name            string        `json:"name" yaml:"name"`
	Dimensions      []string      `json:"dimensions" yaml:"dimensions"`
	DefaultInterval time.Duration `json:"default_interval" yaml:"default_interval"`
}

// MetricBatch is one published slice of MetricValues from a single job run.
type MetricBatch struct {
	JobID       string        `json:"job_id"`
	MetricID    string        `json:"metric_id"`
	Sequence    int           `json:"sequence"`
	PublishedAt time.Time     `json:"published_at"`
	Values      []MetricValue `json:"values"`
}

// KPITarget returns the alerting target key for a KPI id. Metric targets
// use the bare metric id.
func KPITarget(kpiID string) string {
	return "kpi:" + kpiID
}
