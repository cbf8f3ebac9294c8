package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidianstack/metricflow/agent/internal/collect"
	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/shipper"
	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	slog.Info("metricflow-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"nats", cfg.Agent.NATS.URL,
		"subject", cfg.Agent.NATS.Subject,
		"sources", len(cfg.Agent.Sources),
		"jobs", len(cfg.Agent.Jobs),
		"scheduler_tick", cfg.Agent.Collection.SchedulerTick,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	go logEvents(ctx, bus)

	// Stream sources share one long-lived connection; the shipper dials its own.
	opts := collect.OptionsFromConfig(cfg.Agent.Collection)
	if hasStreamSource(cfg.Agent.Sources) {
		nc, err := shipper.Connect(cfg.Agent.NATS, "metricflow-agent-streams", true)
		if err != nil {
			slog.Error("stream sources disabled, nats unavailable", "err", err)
		} else {
			defer nc.Drain() //nolint:errcheck
			opts.Sources.NATS = nc
		}
	}

	ship := shipper.New(cfg.Agent)
	go ship.Run(ctx)

	p := collect.New(opts, ship, bus)
	defer p.Close()
	apply(p, &cfg.Agent)

	if len(p.Jobs()) == 0 {
		slog.Warn("no collection jobs configured, agent will idle")
	}

	if cfg.Agent.WebhookListen != "" {
		srv := &http.Server{
			Addr:              cfg.Agent.WebhookListen,
			Handler:           newRouter(p, cfg.Agent.Sources, ship),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("agent http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("agent http server error", "err", err)
			}
		}()
		defer func() {
			shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			apply(p, &updated.Agent)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	sched := collect.NewScheduler(p, cfg.Agent.Collection.SchedulerTick, cfg.Agent.Collection.Workers, bus)
	sched.Run(ctx)

	slog.Info("metricflow-agent shutting down", "pending_batches", ship.Pending())
}

// apply registers metrics, sources and jobs from cfg. Entries that already
// exist keep their state; only job enable flags are re-applied.
func apply(p *collect.Pipeline, cfg *config.AgentConfig) {
	for _, m := range cfg.Metrics {
		p.RegisterMetric(m)
	}

	for _, src := range cfg.Sources {
		ds, err := p.RegisterDataSource(src)
		switch {
		case errors.Is(err, collect.ErrSourceExists):
		case err != nil:
			slog.Error("skipping source, could not build adapter", "source", src.ID, "err", err)
		default:
			slog.Info("registered source", "id", ds.ID, "type", ds.Type, "enabled", ds.Enabled)
		}
	}

	for _, job := range cfg.Jobs {
		_, err := p.CreateCollectionJob(job)
		switch {
		case errors.Is(err, collect.ErrJobExists):
			syncEnabled(p, job)
		case err != nil:
			slog.Error("skipping job", "job", job.ID, "err", err)
		default:
			slog.Info("registered job", "id", job.ID, "source", job.SourceID, "metric", job.MetricID, "interval", job.Interval)
		}
	}
}

func syncEnabled(p *collect.Pipeline, def config.Job) {
	cur, err := p.Job(def.ID)
	if err != nil || cur.Enabled == def.IsEnabled() {
		return
	}
	if def.IsEnabled() {
		err = p.EnableJob(def.ID)
	} else {
		err = p.DisableJob(def.ID)
	}
	if err != nil {
		slog.Warn("could not apply job enable flag", "job", def.ID, "err", err)
		return
	}
	slog.Info("job enable flag changed", "job", def.ID, "enabled", def.IsEnabled())
}

func hasStreamSource(srcs []config.Source) bool {
	for _, s := range srcs {
		if s.Type == config.SourceStream {
			return true
		}
	}
	return false
}

// logEvents writes pipeline events to the structured log until ctx ends.
func logEvents(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			level := slog.LevelDebug
			switch ev.Name {
			case types.EventJobFailed, types.EventScheduledJobError, types.EventValidationAlert:
				level = slog.LevelWarn
			case types.EventJobDeadLettered:
				level = slog.LevelError
			}
			slog.Log(ctx, level, "event", "name", ev.Name, "data", ev.Payload)
		}
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
