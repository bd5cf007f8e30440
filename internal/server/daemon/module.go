// Package daemon wires the chat server together with fx.
package daemon

import (
	"context"

	"github.com/kazerdira/chatty/internal/config"
	"github.com/kazerdira/chatty/internal/logging"
	"github.com/kazerdira/chatty/internal/server/chat"
	"github.com/kazerdira/chatty/internal/server/fanout"
	"github.com/kazerdira/chatty/internal/server/registry"
	"github.com/kazerdira/chatty/internal/server/store"
	"github.com/kazerdira/chatty/internal/server/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	ConfigPath string // empty = defaults
}

// Module returns the fx module for the server, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("server",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideRegistry,
			provideChatService,
			provideFanout,
			provideHandler,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.ServerConfig, error) {
	return config.LoadServer(p.ConfigPath)
}

func provideLogger(cfg *config.ServerConfig) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, "chattyd")
}

func provideStore(cfg *config.ServerConfig, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath)
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath))
	return db, nil
}

func provideRegistry(logger *zap.Logger) *registry.Registry {
	return registry.New(logger)
}

func provideChatService(db *store.DB, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, logger)
}

func provideFanout(db *store.DB, reg *registry.Registry, logger *zap.Logger) *fanout.Coordinator {
	return fanout.New(db, reg, logger)
}

func provideHandler(db *store.DB, svc *chat.Service, reg *registry.Registry, fo *fanout.Coordinator, logger *zap.Logger) *ws.Handler {
	return ws.NewHandler(db, svc, reg, fo, logger)
}

func provideServer(cfg *config.ServerConfig, handler *ws.Handler, logger *zap.Logger) (*Server, error) {
	return NewServer(cfg.ListenAddr, handler, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("close store", zap.Error(err))
			}
			logger.Info("server stopped")
			return nil
		},
	})
}
