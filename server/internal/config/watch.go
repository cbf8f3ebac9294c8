package config

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/metricflow/pkg/filewatch"
)

// Watch calls onChange with the newly loaded Config each time path is
// written, until ctx is cancelled. Invalid reloads are logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return filewatch.Watch(ctx, "server config", path, Load, func(cfg *Config) {
		slog.Info("server config: reloaded", "path", path,
			"rules", len(cfg.Server.Alerting.Rules), "channels", len(cfg.Server.Alerting.Channels))
		onChange(cfg)
	})
}
