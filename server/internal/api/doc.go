// Package api implements the HTTP REST API of metricflow-server.
//
// New(engine, latest, guard) returns an http.Handler (chi) that serves:
//
//	GET  /api/v1/health                  overall state and active alert counts
//	GET  /api/v1/alerts[?status=]        alerts, newest first; 400 on bad status
//	GET  /api/v1/alerts/{id}             one alert; 404 if unknown
//	GET  /api/v1/alerts/{id}/history     lifecycle log, oldest first
//	POST /api/v1/alerts/{id}/acknowledge {"user_id","notes"}; 409 if not active
//	POST /api/v1/alerts/{id}/resolve     {"user_id","reason"}; 409 if not active
//	GET  /api/v1/rules                   registered rules
//	GET  /api/v1/rules/{id}/statistics   counters plus diagnostic hints
//	POST /api/v1/kpis/{id}/values        {"value","tenant_id","timestamp"}; 202
//	GET  /api/v1/metrics                 newest live value per metric
//
// Every response is JSON. Errors use {"error": "..."}.
package api
