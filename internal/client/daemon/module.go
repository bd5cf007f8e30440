// Package daemon wires the client agent together with fx.
package daemon

import (
	"context"

	"github.com/kazerdira/chatty/internal/bus"
	"github.com/kazerdira/chatty/internal/client/conn"
	"github.com/kazerdira/chatty/internal/client/outbox"
	"github.com/kazerdira/chatty/internal/client/store"
	intsync "github.com/kazerdira/chatty/internal/client/sync"
	"github.com/kazerdira/chatty/internal/config"
	"github.com/kazerdira/chatty/internal/lock"
	"github.com/kazerdira/chatty/internal/logging"
	"github.com/kazerdira/chatty/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the agent, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("agent",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideStateMachine,
			provideManager,
			provideDispatcher,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params) (*config.AgentConfig, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadAgent(path)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideStateMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
}

func provideManager(cfg *config.AgentConfig, machine *conn.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.ServerURL, cfg.UserID, conn.StaticTokenSource(cfg.Token), machine, b, logger)
}

func provideDispatcher(db *store.DB, m *conn.Manager, cfg *config.AgentConfig, b *bus.Bus, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(db, m, b, logger, cfg.UserID, cfg.MaxRetries)
}

func provideSyncEngine(db *store.DB, m *conn.Manager, cfg *config.AgentConfig, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, m, logger, cfg.UserID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, m *conn.Manager, d *outbox.Dispatcher, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion first so no frame from the initial connect is lost.
			engine.Start(context.Background())
			d.Start(context.Background())

			go func() {
				if err := m.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			d.Stop()
			engine.Stop()
			m.Disconnect()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("agent stopped")
			return nil
		},
	})
}
