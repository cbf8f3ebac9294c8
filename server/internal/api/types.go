package api

import (
	"time"

	"github.com/obsidianstack/metricflow/server/internal/alerts"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State         string `json:"state"`
	ActiveAlerts  int    `json:"active_alerts"`
	CriticalCount int    `json:"critical_count"`
	WarningCount  int    `json:"warning_count"`
	InfoCount     int    `json:"info_count"`
	RuleCount     int    `json:"rule_count"`
	MetricCount   int    `json:"metric_count"`
}

// AcknowledgeRequest is the body of POST /api/v1/alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

// ResolveRequest is the body of POST /api/v1/alerts/{id}/resolve.
type ResolveRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// KPIValueRequest is the body of POST /api/v1/kpis/{id}/values. Timestamp
// defaults to the time of receipt.
type KPIValueRequest struct {
	Value     *float64   `json:"value"`
	TenantID  string     `json:"tenant_id"`
	Timestamp *time.Time `json:"timestamp"`
}

// KPIValueResponse lists the alerts the value triggered.
type KPIValueResponse struct {
	Triggered []alerts.Alert `json:"triggered"`
}

// StatisticsResponse is the payload for GET /api/v1/rules/{id}/statistics.
type StatisticsResponse struct {
	alerts.Statistics
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// MetricResponse is one entry of GET /api/v1/metrics.
type MetricResponse struct {
	MetricID    string            `json:"metric_id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Value       float64           `json:"value"`
	Timestamp   string            `json:"timestamp"` // RFC3339
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	DataQuality float64           `json:"data_quality"`
	LastSeen    string            `json:"last_seen"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
