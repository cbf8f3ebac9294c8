// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: nats, collection options, webhook_listen, metrics [],
//     sources [], jobs []
//   - Source: id, type (api|database|file|stream|webhook), endpoint, format,
//     database, auth, tls, rate_limit
//   - Job: metric_id, source_id, query, transformations [], validation_rules [],
//     interval, tags
//   - AuthConfig / DatabaseConfig: secrets are named by *_env fields and
//     resolved with Key(), Token(), Password()
//
// Load(path) reads the YAML file, applies defaults (batch 100, 3 retries,
// 30s fetch timeout, 60s scheduler tick), fills job intervals from the metric
// catalogue, then validates ids, references and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It re-adds the watch after each
// event so atomic-save editors (vim, VS Code) keep working.
package config
