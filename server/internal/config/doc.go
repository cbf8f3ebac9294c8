// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort          : port for the gRPC health service (default 50051)
//   - HTTPPort          : port for the REST API and WebSocket hub (default 8080)
//   - Auth              : "apikey" or "none"; key read from Auth.KeyEnv
//   - NATS              : broker URL, batch subject and queue group
//   - EncryptionKeyEnv  : AES-256 key for agents that encrypt batches
//   - Store.LatestTTL   : how long a metric's newest value stays queryable (default 15m)
//   - Store.PostgresDSNEnv: optional persistence target
//   - Alerting          : default cooldown (15m), evaluation interval (30s),
//     anomaly defaults (zscore, 0.95, 30 points), rules, channels, templates
//
// Load(path) applies defaults before unmarshalling, then validates. Watch
// reloads the file on change; the server adds rules that appear in it.
package config
