// Package types defines the domain types shared by the agent and the server:
// MetricValue observations, MetricDefinition lookups, the MetricBatch unit
// that crosses the transport, and the names and payloads of every event the
// pipeline emits.
package types
