// Package ws implements the WebSocket hub of metricflow-server.
//
// New(bus, snapshot) subscribes to the alert lifecycle events
// (alertTriggered, alertResolved, alertAcknowledged, alertEscalated) and to
// metricValuesBatch. Hub.Run relays each one to every connected client;
// batches are reduced to their count. On connect a client first receives a
// "snapshot" message built by the snapshot func.
//
// Message format sent to clients:
//
//	{
//	  "event": "alertTriggered",
//	  "data":  { "alertId": "...", "ruleId": "...", "severity": "critical" },
//	  "at":    "2026-03-04T12:00:00Z"
//	}
//
// Slow clients whose buffer fills are disconnected. The endpoint is mounted
// at /ws/stream by the server.
package ws
