package types

import "time"

// Event names emitted by the pipeline. Collaborators subscribe by name, so
// these strings are part of the external contract.
const (
	EventDataSourceRegistered = "dataSourceRegistered"
	EventCollectionJobCreated = "collectionJobCreated"
	EventJobStarted           = "jobStarted"
	EventJobCompleted         = "jobCompleted"
	EventJobFailed            = "jobFailed"
	EventJobDeadLettered      = "jobDeadLettered"
	EventMetricValuesBatch    = "metricValuesBatch"
	EventValidationAlert      = "validationAlert"
	EventScheduledJobError    = "scheduledJobError"

	EventAlertRuleCreated        = "alertRuleCreated"
	EventAlertTriggered          = "alertTriggered"
	EventAlertResolved           = "alertResolved"
	EventAlertAcknowledged       = "alertAcknowledged"
	EventAlertEscalated          = "alertEscalated"
	EventAlertSuppressed         = "alertSuppressed"
	EventEvaluationError         = "evaluationError"
	EventNotificationError       = "notificationError"
	EventNotificationUnsupported = "notificationUnsupported"
)

// DataSourceRegistered is the payload of dataSourceRegistered.
type DataSourceRegistered struct {
	DataSourceID string `json:"dataSourceId"`
	Type         string `json:"type"`
}

// CollectionJobCreated is the payload of collectionJobCreated.
type CollectionJobCreated struct {
	JobID    string `json:"jobId"`
	MetricID string `json:"metricId"`
}

// JobStarted is the payload of jobStarted.
type JobStarted struct {
	JobID     string    `json:"jobId"`
	StartedAt time.Time `json:"startedAt"`
}

// JobCompleted is the payload of jobCompleted. Result is the job's
// CollectionResult; it is typed as any to keep this package free of
// collector internals.
type JobCompleted struct {
	JobID  string `json:"jobId"`
	Result any    `json:"result"`
}

// JobFailed is the payload of jobFailed.
type JobFailed struct {
	JobID  string `json:"jobId"`
	Error  string `json:"error"`
	Result any    `json:"result"`
}

// JobDeadLettered is the payload of jobDeadLettered.
type JobDeadLettered struct {
	JobID    string `json:"jobId"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// MetricValuesBatch is the payload of metricValuesBatch.
type MetricValuesBatch struct {
	Count  int           `json:"count"`
	Values []MetricValue `json:"values"`
}

// ValidationAlert is the payload of validationAlert, emitted for failed
// validation rules whose error action is "alert".
type ValidationAlert struct {
	JobID   string `json:"jobId"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ScheduledJobError is the payload of scheduledJobError.
type ScheduledJobError struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// AlertRuleCreated is the payload of alertRuleCreated.
type AlertRuleCreated struct {
	RuleID string `json:"ruleId"`
	Type   string `json:"type"`
}

// AlertTriggered is the payload of alertTriggered.
type AlertTriggered struct {
	AlertID  string `json:"alertId"`
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
}

// AlertResolved is the payload of alertResolved. Duration is the time the
// alert spent active.
type AlertResolved struct {
	AlertID  string        `json:"alertId"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
}

// AlertAcknowledged is the payload of alertAcknowledged.
type AlertAcknowledged struct {
	AlertID string `json:"alertId"`
	UserID  string `json:"userId"`
}

// AlertEscalated is the payload of alertEscalated.
type AlertEscalated struct {
	AlertID  string `json:"alertId"`
	Level    int    `json:"level"`
	Severity string `json:"severity"`
}

// AlertSuppressed is the payload of alertSuppressed.
type AlertSuppressed struct {
	RuleID string `json:"ruleId"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// EvaluationError is the payload of evaluationError.
type EvaluationError struct {
	RuleID string `json:"ruleId"`
	Error  string `json:"error"`
}

// NotificationError is the payload of notificationError.
type NotificationError struct {
	AlertID   string `json:"alertId"`
	ChannelID string `json:"channelId"`
	Error     string `json:"error"`
}

// NotificationUnsupported is the diagnostic payload emitted when a channel
// has a type the dispatcher cannot deliver to.
type NotificationUnsupported struct {
	AlertID     string `json:"alertId"`
	ChannelID   string `json:"channelId"`
	ChannelType string `json:"channelType"`
}
