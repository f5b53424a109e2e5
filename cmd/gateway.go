package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentgw/agentgw/internal/abort"
	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/channels/sms"
	"github.com/agentgw/agentgw/internal/channels/telegram"
	"github.com/agentgw/agentgw/internal/config"
	"github.com/agentgw/agentgw/internal/engine"
	enginecli "github.com/agentgw/agentgw/internal/engine/cli"
	"github.com/agentgw/agentgw/internal/gateway"
	"github.com/agentgw/agentgw/internal/gateway/methods"
	"github.com/agentgw/agentgw/internal/outbox"
	"github.com/agentgw/agentgw/internal/router"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/internal/store/pg"
	"github.com/agentgw/agentgw/internal/store/sqlitedb"
	"github.com/agentgw/agentgw/internal/tracing"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry setup", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(shutdownCtx)
	}()

	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		logger.Error("open store", "error", err, "mode", cfg.Database.Mode)
		os.Exit(1)
	}
	defer closeStores()

	engines, err := buildEngines(cfg, logger)
	if err != nil {
		logger.Error("engine setup", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()
	aborts := abort.NewRegistry()

	reg := channels.NewRegistry()
	outboxMgr := outbox.NewManager(ctx, reg, stores.Idempotency, outbox.Config{
		Throttle: cfg.Outbox.Throttle(),
	})
	delivery := channels.NewDelivery(reg, outboxMgr)
	present := newPresenter(delivery, logger)

	orch := run.NewOrchestrator(run.OrchestratorDeps{
		Engines:   engines,
		Sessions:  stores.Sessions,
		Bus:       msgBus,
		Aborts:    aborts,
		Emit:      present.Emit,
		Keepalive: present.Keepalive,
		Options: run.Options{
			IdleTimeout:          cfg.Run.IdleTimeout(),
			ConfirmTimeout:       cfg.Run.ConfirmTimeout(),
			ReserveTokens:        cfg.Run.ReserveTokens,
			NearLimitRatio:       cfg.Run.NearLimitRatio,
			StreamMaxQueue:       cfg.Run.StreamMaxQueue,
			MaxZeroAnswerRetries: cfg.Run.MaxZeroAnswerRetries,
		},
		Logger: logger,
	})

	bindings := router.NewBindings(bindingsFromConfig(cfg.Bindings))
	rtr := router.New(orch, stores.Dedupe, bindings, engines.IDs(), logger)

	srv := gateway.NewServer(gateway.Options{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		Token:          cfg.Gateway.Token,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
	}, logger)

	if err := setupChannels(ctx, cfg, reg, rtr, orch, delivery, srv, stores, logger); err != nil {
		logger.Error("channel setup", "error", err)
		os.Exit(1)
	}

	methods.NewRunMethods(orch, engines, msgBus, logger).Register(srv.Router())
	methods.NewSessionMethods(stores.Sessions, logger).Register(srv.Router())
	methods.NewOutboundMethods(delivery, logger).Register(srv.Router())
	methods.NewSystemMethods(srv, orch, engines, msgBus).Register(srv.Router())

	reg.StartAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, logger, func(fresh *config.Config) {
			bindings.Replace(bindingsFromConfig(fresh.Bindings))
		})
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	reg.StopAll(shutdownCtx)
}

// buildStores selects the storage backend.
func buildStores(cfg *config.Config) (*store.Stores, func(), error) {
	opts := store.Options{
		IdempotencyTTL: cfg.Outbox.IdempotencyTTL(),
		DedupeTTL:      cfg.Router.DedupeTTL(),
	}

	switch cfg.Database.Mode {
	case "", "sqlite":
		stores, db, err := sqlitedb.NewStores(cfg.Database.SQLiteFile(), opts)
		if err != nil {
			return nil, nil, err
		}
		return stores, func() { db.Close() }, nil
	case "postgres":
		stores, db, err := pg.NewStores(cfg.Database.PostgresDSN, opts)
		if err != nil {
			return nil, nil, err
		}
		return stores, func() { db.Close() }, nil
	default: // "memory"
		return store.NewMemoryStores(opts), func() {}, nil
	}
}

// buildEngines registers one CLI adapter per configured engine command.
func buildEngines(cfg *config.Config, logger *slog.Logger) (*engine.Registry, error) {
	engines := engine.NewRegistry()
	for id, argv := range cfg.Engines.Commands {
		eng, err := enginecli.New(enginecli.Config{
			ID:            id,
			Command:       argv,
			ContextWindow: cfg.Engines.ContextWindows[id],
		}, logger)
		if err != nil {
			return nil, err
		}
		engines.Register(eng)
		logger.Info("engine registered", "id", id)
	}
	if len(engines.IDs()) == 0 {
		logger.Warn("no engines configured; runs will be rejected until engines.commands is set")
	}
	if cfg.Engines.Default != "" {
		if err := engines.SetDefault(cfg.Engines.Default); err != nil {
			return nil, err
		}
	}
	return engines, nil
}

// setupChannels builds and registers the enabled channel adapters.
func setupChannels(ctx context.Context, cfg *config.Config, reg *channels.Registry, rtr *router.Router, orch *run.Orchestrator, delivery *channels.Delivery, srv *gateway.Server, stores *store.Stores, logger *slog.Logger) error {
	onInbound := func(ctx context.Context, msg channels.InboundMessage) {
		routeInbound(ctx, rtr, delivery, msg, logger)
	}

	if cfg.Channels.Telegram.Enabled {
		onCallback := func(ctx context.Context, data string) {
			runID, keep, ok := telegram.ParseKeepalive(data)
			if !ok {
				return
			}
			if p, found := orch.Get(runID); found {
				p.Keepalive(keep)
			}
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Channels.Telegram.Token,
			Account:     cfg.Channels.Telegram.Account,
			Proxy:       cfg.Channels.Telegram.Proxy,
			PollTimeout: cfg.Channels.Telegram.PollTimeoutSec,
		}, stores.Cursors, onInbound, onCallback, logger)
		if err != nil {
			return err
		}
		reg.Register(tg)
	}

	if cfg.Channels.SMS.Enabled {
		smsAdapter, err := sms.New(sms.Config{
			AccountSID:   cfg.Channels.SMS.AccountSID,
			AuthToken:    cfg.Channels.SMS.AuthToken,
			From:         cfg.Channels.SMS.From,
			Account:      cfg.Channels.SMS.Account,
			APIBase:      cfg.Channels.SMS.APIBase,
			WebhookToken: cfg.Channels.SMS.WebhookToken,
		}, onInbound, logger)
		if err != nil {
			return err
		}
		reg.Register(smsAdapter)
		srv.MountWebhook("/webhook/sms", smsAdapter.WebhookHandler())
	}

	return nil
}

// routeInbound submits one inbound message and reports routing failures
// back to the sender where that makes sense.
func routeInbound(ctx context.Context, rtr *router.Router, delivery *channels.Delivery, msg channels.InboundMessage, logger *slog.Logger) {
	_, err := rtr.Route(ctx, msg)
	switch {
	case err == nil:
	case isBusy(err):
		delivery.Send(channels.Op{
			Channel: msg.Channel,
			Account: msg.Account,
			Peer:    msg.Peer,
			Thread:  msg.Thread,
			ReplyTo: msg.MessageID,
			Text:    "A run is already in progress for this conversation. Use /steer, /followup or /interrupt.",
		})
	default:
		logger.Debug("inbound dropped", "channel", msg.Channel, "peer", msg.Peer, "error", err)
	}
}

func isBusy(err error) bool {
	var busy *run.BusyError
	return errors.As(err, &busy)
}

func bindingsFromConfig(list []config.BindingConfig) []router.Binding {
	out := make([]router.Binding, 0, len(list))
	for _, b := range list {
		out = append(out, router.Binding{
			Channel:   b.Channel,
			Account:   b.Account,
			Peer:      b.Peer,
			Thread:    b.Thread,
			AgentID:   b.AgentID,
			EngineID:  b.Engine,
			QueueMode: b.QueueMode,
		})
	}
	return out
}
