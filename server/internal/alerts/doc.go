// Package alerts evaluates alert rules against metric and KPI values and
// manages the alerts they raise.
//
// A rule targets one metric or one KPI and holds an ordered list of
// conditions (value, change, rate, pattern, time_based). A rule triggers when
// every required condition is met; optional conditions are evaluated but
// never gate. Before an alert is created the engine checks cooldown (any
// active alert on the same target younger than the rule's cooldown blocks
// the trigger) and the rule's suppression windows and dependencies.
//
// Alerts move active → resolved through ResolveAlert only. Acknowledgement
// is a flag on an active alert and stops escalation. Engine.Run drives
// escalation, missing-data detection and purging of resolved alerts older
// than 24 hours; per-alert history is capped at 50 entries and 30 days.
package alerts
