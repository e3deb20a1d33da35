package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/matheus3301/chatd/internal/bridge"
	"github.com/matheus3301/chatd/internal/broker"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/node"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// brokerPingInterval bounds how long a dead Redis subscribe connection goes unnoticed.
const brokerPingInterval = 15 * time.Second

// Params holds the resolved node configuration passed to the fx module.
type Params struct {
	Node   string
	Config *config.Config
	Dir    string // optional override for testing; empty = node.Dir(Node)
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return node.Dir(p.Node)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			registry.New,
			provideDialer,
			provideBridge,
			provideService,
			provideTransport,
			provideAdmin,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), node.LogDirName, node.LogFile), p.Node, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring node lock", zap.String("dir", p.dir()))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("node lock acquired", zap.String("instance", l.Instance))
	return l, nil
}

// provideStore depends on the lock so two processes never migrate or reset
// the same node's rows at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(p.dir(), node.DBFile)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() (*prometheus.Registry, prometheus.Registerer) {
	reg := NewRegistry()
	return reg, reg
}

func provideDialer(p Params, b *bus.Bus) broker.Dialer {
	bc := p.Config.Broker
	if bc.Kind == config.BrokerRedis {
		return broker.RedisDialer(broker.RedisOptions{
			Addr:         bc.Addr,
			Username:     bc.Username,
			Password:     bc.Password,
			DB:           bc.DB,
			PingInterval: brokerPingInterval,
		})
	}
	return broker.MemoryDialer(b, 256)
}

func provideBridge(p Params, dial broker.Dialer, sessions *registry.Registry, machine *status.Machine, reg prometheus.Registerer, logger *zap.Logger) *bridge.Bridge {
	bc := p.Config.Broker
	return bridge.New(dial, sessions, machine, bridge.Options{
		ChannelPrefix: bc.ChannelPrefix,
		ReconnectMin:  bc.ReconnectMin.Duration,
		ReconnectMax:  bc.ReconnectMax.Duration,
	}, reg, logger)
}

func provideService(p Params, db *store.DB, br *bridge.Bridge, sessions *registry.Registry, reg prometheus.Registerer, logger *zap.Logger) *chat.Service {
	svc := chat.NewService(p.Node, db, br, sessions, reg, logger)
	br.SetInbound(svc.DeliverInbound)
	return svc
}

func provideTransport(p Params, svc *chat.Service, logger *zap.Logger) (*Transport, error) {
	return NewTransport(p.Config.Listen, svc, TransportOptions{
		Workers:       p.Config.Workers,
		MaxFrameBytes: p.Config.MaxFrameBytes,
		WriteTimeout:  p.Config.WriteTimeout.Duration,
	}, logger)
}

func provideAdmin(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*AdminServer, error) {
	return NewAdminServer(filepath.Join(p.dir(), node.AdminSocketFile), machine, b, logger)
}

func provideMetricsServer(p Params, reg *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	return NewMetricsServer(p.Config.MetricsAddr, reg, logger)
}

type lifecycleParams struct {
	fx.In

	LC         fx.Lifecycle
	Shutdowner fx.Shutdowner
	Lock       *lock.Lock
	DB         *store.DB
	Service    *chat.Service
	Bridge     *bridge.Bridge
	Transport  *Transport
	Admin      *AdminServer
	Metrics    *MetricsServer
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	served := make(chan error, 1)

	lp.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Rows left online by a crash of this node are stale.
			if err := lp.Service.Reset(); err != nil {
				return err
			}
			if err := lp.Bridge.Connect(ctx); err != nil {
				return err
			}
			lp.Bridge.Start(context.Background())

			var g errgroup.Group
			g.Go(lp.Transport.Serve)
			g.Go(lp.Admin.Start)
			g.Go(lp.Metrics.Start)
			go func() {
				err := g.Wait()
				if err != nil {
					logger.Error("server failed, shutting down", zap.Error(err))
					_ = lp.Shutdowner.Shutdown(fx.ExitCode(1))
				}
				served <- err
			}()

			if err := lp.Machine.Transition(status.Ready); err != nil {
				return err
			}
			logger.Info("node ready", zap.String("node", lp.Service.Node()), zap.String("addr", lp.Transport.Addr().String()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = lp.Machine.Transition(status.Stopping)

			// Closing the transport runs Disconnect for every live session.
			if err := lp.Transport.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			lp.Bridge.Stop()
			if err := lp.Service.Reset(); err != nil {
				logger.Warn("presence reset failed", zap.Error(err))
			}
			lp.Admin.Stop(ctx)
			if err := lp.Metrics.Stop(ctx); err != nil {
				logger.Warn("error stopping metrics server", zap.Error(err))
			}
			select {
			case <-served:
			case <-ctx.Done():
			}

			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
