package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/modeltable/internal/bridge"
	"github.com/roach88/modeltable/internal/config"
	"github.com/roach88/modeltable/internal/engine"
	"github.com/roach88/modeltable/internal/ir"
	"github.com/roach88/modeltable/internal/mailbox"
	"github.com/roach88/modeltable/internal/patch"
	"github.com/roach88/modeltable/internal/store"
	"github.com/roach88/modeltable/internal/table"
	"github.com/roach88/modeltable/internal/transport"
	"github.com/roach88/modeltable/internal/transport/membus"
	"github.com/roach88/modeltable/internal/transport/mqtt"
	"github.com/roach88/modeltable/internal/transport/redisbus"
	"github.com/roach88/modeltable/internal/transport/relay"
	"github.com/roach88/modeltable/internal/watch"
)

// Node is one running modeltable process: the engine plus whatever
// transports, persistence and watchers the config enables.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	Engine  *engine.Engine
	Store   *store.Store
	Bus     transport.Transport
	Relay   relay.Relay
	Bridge  *bridge.Bridge
	Audit   *store.AuditSink
	Watcher *watch.Watcher
}

// NewBus returns the transport selected by cfg, or nil for driver none.
func NewBus(cfg config.BusConfig, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverMemory:
		return membus.NewClient(membus.NewHub(), cfg.ClientID), nil
	case config.DriverRedis:
		return redisbus.FromConfig(cfg.Transport(), logger), nil
	case config.DriverMQTT:
		return mqtt.New(cfg.Transport(), logger), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// NewRelay returns the relay selected by cfg, or nil for driver none.
func NewRelay(cfg config.RelayConfig, logger *slog.Logger) (relay.Relay, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverMemory:
		return relay.NewMemory(), nil
	case config.DriverRedis:
		return relay.NewStream(&redis.Options{Addr: cfg.Addr},
			relay.WithStream(cfg.Stream),
			relay.WithPollInterval(cfg.PollInterval),
			relay.WithFromLatest(cfg.FromLatest),
			relay.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown relay driver %q", cfg.Driver)
	}
}

// NewNode assembles a node. Persistence is opened and its snapshot restored
// before the engine exists, so the event clock resumes after the last
// persisted entry.
func NewNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Node, error) {
	n := &Node{cfg: cfg, logger: logger}

	var err error
	if n.Bus, err = NewBus(cfg.Bus, logger); err != nil {
		return nil, err
	}
	if n.Relay, err = NewRelay(cfg.Relay, logger); err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMaxRounds(cfg.Node.MaxRounds),
		engine.WithIOTimeout(cfg.Node.IOTimeout),
		engine.WithRouterSettings(cfg.Bus.RouterSettings()),
	}
	if n.Bus != nil {
		opts = append(opts, engine.WithBus(n.Bus))
	}
	if n.Relay != nil {
		opts = append(opts, engine.WithRelay(n.Relay))
	}

	var snap *store.Snapshot
	if cfg.Persistence.Path != "" {
		n.Store, err = store.Open(cfg.Persistence.Path,
			store.WithDriver(cfg.Persistence.Driver),
			store.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		if snap, err = n.Store.Load(ctx); err != nil {
			n.Close()
			return nil, err
		}
		opts = append(opts, engine.WithTableOptions(
			table.WithClock(table.NewClockAt(snap.LastEventID)),
			table.WithObserver(n.Store),
		))
	}

	n.Engine = engine.New(opts...)
	mailbox.Attach(n.Engine)

	if snap != nil {
		n.Engine.Update(func(t *table.Table) { snap.Restore(t) })
		n.Audit = store.NewAuditSink(n.Store, n.Engine)
		logger.Info("snapshot restored",
			"models", len(snap.Models),
			"labels", len(snap.Labels),
			"last_event_id", snap.LastEventID,
		)
	}

	if err := n.applySeed(); err != nil {
		n.Close()
		return nil, err
	}

	if cfg.Functions.Dir != "" {
		n.Watcher = watch.New(n.Engine, cfg.Functions.Dir, cfg.Functions.Model, watch.WithLogger(logger))
		names, err := n.Watcher.LoadAll()
		if err != nil {
			n.Close()
			return nil, err
		}
		logger.Info("functions loaded", "dir", cfg.Functions.Dir, "count", len(names))
	}

	for _, id := range cfg.Bridge.Workers {
		bridge.AttachWorker(n.Engine, id, fmt.Sprintf("worker_%d", id))
	}
	if cfg.Bridge.Enabled {
		bopts := []bridge.Option{
			bridge.WithWorkerModel(cfg.Bridge.WorkerModel),
			bridge.WithLogger(logger),
		}
		if len(cfg.Bridge.InboundTopics) > 0 {
			bopts = append(bopts, bridge.WithInboundTopics(cfg.Bridge.InboundTopics...))
		}
		n.Bridge = bridge.New(n.Engine, bopts...)
	}
	return n, nil
}

func (n *Node) applySeed() error {
	if n.cfg.Seed.Path == "" {
		return nil
	}
	seed, err := config.LoadSeed(n.cfg.Seed.Path)
	if err != nil {
		return err
	}
	p, err := seed.Patch(ir.UUIDv7Generator{}.Generate())
	if err != nil {
		return err
	}
	res := n.Engine.ApplyPatch(p, patch.Options{AllowCreateModel: true, Logger: n.logger})
	n.logger.Info("seed applied",
		"path", n.cfg.Seed.Path,
		"applied", res.Applied,
		"rejected", res.Rejected,
	)
	return nil
}

// Run connects transports and blocks until ctx is cancelled or a component
// fails.
func (n *Node) Run(ctx context.Context) error {
	if n.Bridge != nil {
		if err := n.Bridge.Install(ctx); err != nil {
			return fmt.Errorf("install bridge: %w", err)
		}
	}
	if n.Bus != nil {
		if err := n.Engine.StartBus(ctx); err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	}
	if s, ok := n.Relay.(*relay.Stream); ok {
		if err := s.Connect(ctx); err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		n.Engine.SetStatus(ir.KeyRelayStatus, "connected", nil)
	}
	if n.Watcher != nil && n.cfg.Functions.Watch {
		if err := n.Watcher.Start(); err != nil {
			return err
		}
		defer n.Watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Engine.Run(gctx) })
	if n.Relay != nil && n.Bridge != nil {
		g.Go(func() error {
			return n.Relay.Consume(gctx, func(ev ir.RelayEvent) { n.Bridge.HandleRelay(ev) })
		})
	}
	if n.Audit != nil {
		g.Go(func() error {
			n.Audit.Run(gctx, n.cfg.Persistence.AuditInterval)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases transports and the store.
func (n *Node) Close() {
	if n.Engine != nil {
		n.Engine.Close()
	}
	if n.Bus != nil {
		if err := n.Bus.Close(); err != nil {
			n.logger.Warn("closing bus", "error", err)
		}
	}
	if n.Relay != nil {
		if err := n.Relay.Close(); err != nil {
			n.logger.Warn("closing relay", "error", err)
		}
	}
	if n.Store != nil {
		if err := n.Store.Close(); err != nil {
			n.logger.Warn("closing store", "error", err)
		}
	}
}
