// Package source provides the DataSource adapters a collection job fetches
// raw records from. Each adapter returns []record.Record; the collect
// package runs transformation, validation and conversion on the result.
//
// Adapters, selected by config.Source.Type in New:
//   - api (http.go): HTTP JSON endpoint, or a Prometheus text exposition
//     when format is "prometheus" (one record per sample)
//   - database (database.go): SQL query through database/sql with the
//     postgres (lib/pq), mysql and sqlserver drivers
//   - file (file.go): JSON, CSV or YAML file on local disk
//   - stream (inbox.go): NATS subject subscription buffered between runs
//   - webhook (inbox.go): HTTP push endpoint buffered between runs
//
// Authentication for api sources (mTLS, API key, bearer, basic) is injected
// by authRoundTripper. Failures are returned as *Error carrying a Kind so the
// executor can tell retryable connection problems from malformed queries.
package source
