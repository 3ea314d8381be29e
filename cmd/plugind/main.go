package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/plugind/core/controlplane/gateway"
	"github.com/cordum/plugind/core/infra/buildinfo"
	"github.com/cordum/plugind/core/infra/bus"
	"github.com/cordum/plugind/core/infra/config"
	"github.com/cordum/plugind/core/infra/locks"
	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/infra/metrics"
	"github.com/cordum/plugind/core/plugins/execution"
	"github.com/cordum/plugind/core/plugins/lifecycle"
	"github.com/cordum/plugind/core/plugins/migrate"
	"github.com/cordum/plugind/core/plugins/notify"
	"github.com/cordum/plugind/core/plugins/principal"
	"google.golang.org/protobuf/types/known/structpb"
)

const service = "plugind"

func main() {
	buildinfo.Log(service)
	cfg := config.Load()
	rt, err := config.LoadRuntime(cfg.RuntimeConfigPath)
	if err != nil {
		log.Fatalf("plugind runtime config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, rt); err != nil {
		log.Fatalf("plugind error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, rt *config.RuntimeConfig) error {
	if err := os.MkdirAll(cfg.PluginsRoot, 0o755); err != nil {
		return fmt.Errorf("create plugins root: %w", err)
	}

	lockStore, closeLocks, err := newLockStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeLocks()

	hub := notify.NewHub()
	notifier, closeBus, err := newNotifier(cfg, hub)
	if err != nil {
		return err
	}
	defer closeBus()

	principals := principal.New(rt.Identity.Prefix, rt.Identity.MaxNameLength)
	if cfg.SkipMigration {
		logging.Info(service, "legacy migration skipped")
	} else {
		report, err := migrate.New(cfg.PluginsRoot, principals).Run(ctx)
		if err != nil {
			return fmt.Errorf("legacy migration: %w", err)
		}
		logging.Info(service, "legacy migration finished", "migrated", len(report.Migrated), "failed", len(report.Failed))
	}

	runtimeMetrics := metrics.NewProm(service)
	spawner := execution.NewSpawner(rt.Env.Environ(), rt.Timeouts.KillGrace())
	initRunner := execution.NewInitRunner(execution.InitConfig{
		Spawner:      spawner,
		SyncTimeout:  rt.Timeouts.InitSync(),
		AsyncTimeout: rt.Timeouts.InitAsync(),
		Notifier:     notifier,
		Metrics:      runtimeMetrics,
	})
	// Background init scripts report even if shutdown starts first.
	defer initRunner.Wait()

	engine := execution.NewEngine(execution.EngineConfig{
		Root:       cfg.PluginsRoot,
		Principals: principals,
		Spawner:    spawner,
		Locks:      lockStore,
		Metrics:    runtimeMetrics,
		Timeout:    rt.Timeouts.Tool(),
	})
	manager := lifecycle.New(lifecycle.Config{
		Root:              cfg.PluginsRoot,
		Fetcher:           &lifecycle.GitFetcher{Timeout: rt.Timeouts.Fetch(), Env: rt.Env.Environ()},
		Principals:        principals,
		Init:              initRunner,
		Locks:             lockStore,
		Metrics:           runtimeMetrics,
		InstructionsLimit: rt.InstructionsLimit,
	})

	auth, err := gateway.NewBasicAuthProvider()
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	srv := gateway.New(gateway.Deps{
		Root:      cfg.PluginsRoot,
		Tools:     engine,
		Lifecycle: manager,
		Events:    hub,
		Metrics:   metrics.NewGatewayProm(service),
		Auth:      auth,

		InstructionsLimit: rt.InstructionsLimit,
	})
	return srv.Serve(ctx, gateway.Addrs{HTTP: cfg.HTTPAddr, GRPC: cfg.GRPCAddr, Metrics: cfg.MetricsAddr})
}

// newLockStore uses Redis when configured so several daemons sharing a
// plugins volume see each other's locks.
func newLockStore(redisURL string) (locks.Store, func(), error) {
	if redisURL == "" {
		logging.Info(service, "using in-process bundle locks")
		return locks.NewMemoryStore(), func() {}, nil
	}
	store, err := locks.NewRedisStore(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis lock store: %w", err)
	}
	logging.Info(service, "using redis bundle locks")
	return store, func() { _ = store.Close() }, nil
}

// newNotifier assembles the async notification fan-out. With NATS the event
// stream is fed from the bus so every replica sees every event; without it
// the hub is notified directly.
func newNotifier(cfg *config.Config, hub *notify.Hub) (notify.Notifier, func(), error) {
	var out notify.Multi
	closeFn := func() {}

	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		unsubscribe, err := natsBus.Subscribe(bus.SubjectAll, func(s *structpb.Struct) {
			_ = hub.Notify(context.Background(), notify.FromStruct(s))
		})
		if err != nil {
			natsBus.Close()
			return nil, nil, fmt.Errorf("subscribe events: %w", err)
		}
		closeFn = func() {
			unsubscribe()
			natsBus.Close()
		}
		out = append(out, &notify.BusNotifier{Bus: natsBus})
	} else {
		out = append(out, hub)
	}

	if cfg.NotifyURL != "" {
		out = append(out, &notify.ChatCallback{
			URL:      cfg.NotifyURL,
			User:     cfg.NotifyUser,
			Password: cfg.NotifyPassword,
		})
	}
	return out, closeFn, nil
}
