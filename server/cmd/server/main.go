package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/server/internal/alerts"
	"github.com/obsidianstack/metricflow/server/internal/api"
	"github.com/obsidianstack/metricflow/server/internal/auth"
	"github.com/obsidianstack/metricflow/server/internal/config"
	"github.com/obsidianstack/metricflow/server/internal/notify"
	"github.com/obsidianstack/metricflow/server/internal/receiver"
	"github.com/obsidianstack/metricflow/server/internal/store"
	"github.com/obsidianstack/metricflow/server/internal/ws"
)

// ingestService is the health service name tracking the NATS subscription.
const ingestService = "metricflow.Ingest"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	slog.Info("metricflow-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := cfg.Server

	slog.Info("config loaded",
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"nats", sc.NATS.URL,
		"rules", len(sc.Alerting.Rules),
		"channels", len(sc.Alerting.Channels),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	go logEvents(ctx, bus)

	// Latest-value store with background TTL eviction.
	latest := store.NewLatest(sc.Store.LatestTTL)
	go latest.Run(ctx)

	// Optional persistence; ingestion never waits on it.
	var sink *store.AsyncSink
	if dsn := sc.Store.DSN(); dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			slog.Error("persistence disabled", "err", err)
		} else {
			defer pg.Close()
			sink = store.NewAsyncSink(pg, sc.Store.BufferSize)
			go sink.Run(ctx)
			slog.Info("persisting metric values to postgres")
		}
	}

	dispatcher := notify.New(sc.Alerting.Channels, sc.Alerting.Templates, bus)
	engine := alerts.New(alerts.Options{
		DefaultCooldown:    sc.Alerting.CooldownPeriod,
		EvaluationInterval: sc.Alerting.EvaluationInterval,
		Anomaly:            sc.Alerting.Anomaly,
	}, dispatcher, bus)
	addRules(engine, sc.Alerting.Rules)
	go engine.Run(ctx)

	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			addRules(engine, updated.Server.Alerting.Rules)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	guard := auth.NewGuard(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key())

	// gRPC: standard health service behind the API key interceptors.
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(ingestService, healthpb.HealthCheckResponse_NOT_SERVING)
	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(guard.UnaryInterceptor()),
		grpc.StreamInterceptor(guard.StreamInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port", "port", sc.GRPCPort, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC health listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// NATS receiver. Subscriptions survive reconnects.
	rec := receiver.New(sc.EncryptionKey(), latest, submitter(sink), engine, bus)
	nc, err := connectNATS(sc.NATS, healthSrv)
	if err != nil {
		slog.Error("nats connect failed", "url", sc.NATS.URL, "err", err)
		os.Exit(1)
	}
	defer nc.Drain() //nolint:errcheck
	if _, err := rec.Subscribe(nc, sc.NATS.Subject, sc.NATS.Queue); err != nil {
		slog.Error("subscribe failed", "err", err)
		os.Exit(1)
	}

	// WebSocket hub relays alert and batch events to UI clients.
	hub := ws.New(bus, func() any {
		return map[string]int{
			"active_alerts": len(engine.ActiveAlerts()),
			"metrics":       latest.Count(),
		}
	})
	go hub.Run(ctx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(engine, latest, guard.Middleware))
	httpMux.Handle("/ws/stream", guard.Middleware(hub))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("metricflow-server shutting down",
		"batches_received", rec.Received(),
		"batches_rejected", rec.Rejected(),
	)
	healthSrv.Shutdown()
	grpcSrv.GracefulStop()
	shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	httpSrv.Shutdown(shutCtx) //nolint:errcheck
}

// addRules registers rules not yet known to the engine.
func addRules(engine *alerts.Engine, rules []alerts.Rule) {
	for _, r := range rules {
		added, err := engine.AddRule(r)
		switch {
		case errors.Is(err, alerts.ErrRuleExists):
		case err != nil:
			slog.Error("skipping rule", "rule", r.ID, "err", err)
		default:
			slog.Info("registered rule", "id", added.ID, "type", added.Type, "target", added.Target())
		}
	}
}

// connectNATS dials the broker, retrying in the background when it is not
// reachable yet, and mirrors connection state into the health service.
func connectNATS(cfg config.NATSConfig, hs *health.Server) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("metricflow-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			slog.Info("nats connected", "url", c.ConnectedUrl())
			hs.SetServingStatus(ingestService, healthpb.HealthCheckResponse_SERVING)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
			hs.SetServingStatus(ingestService, healthpb.HealthCheckResponse_SERVING)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
			hs.SetServingStatus(ingestService, healthpb.HealthCheckResponse_NOT_SERVING)
		}),
	}
	if tok := cfg.Token(); tok != "" {
		opts = append(opts, nats.Token(tok))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	if nc.IsConnected() {
		hs.SetServingStatus(ingestService, healthpb.HealthCheckResponse_SERVING)
	}
	return nc, nil
}

// submitter avoids handing the receiver a typed nil.
func submitter(s *store.AsyncSink) receiver.Submitter {
	if s == nil {
		return nil
	}
	return s
}

// logEvents writes alerting events to the structured log until ctx ends.
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
			case types.EventEvaluationError, types.EventNotificationError, types.EventNotificationUnsupported:
				level = slog.LevelWarn
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
