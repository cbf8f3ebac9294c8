package config

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/metricflow/pkg/filewatch"
)

// Watch monitors path for changes and calls onChange with the newly loaded
// Config each time the file is written. It runs until ctx is cancelled.
//
// A reload that fails to parse or validate is logged and skipped; onChange
// only ever sees a valid Config.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return filewatch.Watch(ctx, "config", path, Load, func(cfg *Config) {
		slog.Info("config: reloaded", "path", path,
			"sources", len(cfg.Agent.Sources), "jobs", len(cfg.Agent.Jobs))
		onChange(cfg)
	})
}
