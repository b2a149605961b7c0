// Package runtime assembles the daemon: telemetry, the optional event bus,
// the event store, the task queue, the session registry, the engines, the
// dispatcher, and both server surfaces, started and torn down in dependency
// order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts-streamer/internal/bus"
	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/engine"
	"github.com/loqalabs/loqa-tts-streamer/internal/eventstore"
	"github.com/loqalabs/loqa-tts-streamer/internal/natsserver"
	"github.com/loqalabs/loqa-tts-streamer/internal/queue"
	"github.com/loqalabs/loqa-tts-streamer/internal/server"
	"github.com/loqalabs/loqa-tts-streamer/internal/session"
	"github.com/loqalabs/loqa-tts-streamer/internal/stream"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled. Components
// start bottom-up so nothing accepts work before its dependencies exist,
// and stop in the reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
		}
		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	q := queue.New(ctx, r.cfg.Queue, r.logger)
	if err := q.Start(); err != nil {
		return fmt.Errorf("start task queue: %w", err)
	}

	sessions := session.NewRegistry(ctx, r.cfg.WebSocket, q, r.logger)
	if err := sessions.Start(); err != nil {
		return fmt.Errorf("start session registry: %w", err)
	}

	engines, err := engine.NewManagerFromConfig(r.cfg.Engine, r.logger)
	if err != nil {
		return fmt.Errorf("build engines: %w", err)
	}

	dispatcher := stream.NewDispatcher(ctx, r.cfg.Queue, q, engines, sessions, busClient, events, r.logger)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	wsServer := server.NewWSServer(ctx, r.cfg.WebSocket, engine.DefaultSynthesisConfig(r.cfg.Engine), q, sessions, engines, busClient, events, r.logger)
	if err := wsServer.Start(); err != nil {
		return fmt.Errorf("start websocket server: %w", err)
	}

	adminServer := server.NewAdminServer(r.cfg.HTTP, q, sessions, engines, events, metricsHandler, &r.ready, r.logger)
	if err := adminServer.Start(); err != nil {
		wsServer.Close()
		return fmt.Errorf("start admin server: %w", err)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("ws_addr", wsServer.Addr()),
		slog.String("admin_addr", adminServer.Addr()),
		slog.String("engine_mode", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	adminServer.Close()
	wsServer.Close()
	dispatcher.Close()
	sessions.Close()
	q.Close()
	busClient.Close()
	if embedded != nil {
		embedded.Shutdown()
	}
	if err := events.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}
