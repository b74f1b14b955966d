package daemon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/backend"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/lock"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/outbox"
	"github.com/parley-chat/parley/internal/prefs"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/state"
	"github.com/parley-chat/parley/internal/status"
	intsync "github.com/parley-chat/parley/internal/sync"
	"github.com/parley-chat/parley/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			providePrefs,
			provideBackend,
			provideTransport,
			provideSyncEngine,
			provideSearcher,
			provideSender,
			provideCoordinator,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore() *state.Store {
	return state.NewStore("")
}

func providePrefs(p Params, logger *zap.Logger) (*prefs.DB, error) {
	dbPath := session.PrefsDBPath(p.SessionName)
	db, err := prefs.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("prefs migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("prefs migrations up to date", zap.Uint("version", result.Version))
	}

	// A stable device id identifies this installation across restarts.
	deviceID, err := db.Get(prefs.KeyDeviceID)
	if err == nil && deviceID == "" {
		deviceID = uuid.NewString()
		if err := db.Set(prefs.KeyDeviceID, deviceID); err != nil {
			logger.Warn("persist device id", zap.Error(err))
		}
	}
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.Client, error) {
	return backend.New(cfg.APIBaseURL, logger)
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(cfg.SocketURL, b, logger)
}

func provideSyncEngine(st *state.Store, be *backend.Client, tc *transport.Client, pf *prefs.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, be, tc, pf, b, logger)
}

func provideSearcher(be *backend.Client, st *state.Store, b *bus.Bus, logger *zap.Logger) *intsync.Searcher {
	return intsync.NewSearcher(be, st, b, logger)
}

func provideSender(st *state.Store, be *backend.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(st, be, b, logger)
}

func provideCoordinator(be *backend.Client, tc *transport.Client, b *bus.Bus, logger *zap.Logger) *call.Coordinator {
	rtc := call.NewHeadlessRTC(logger)
	return call.NewCoordinator("", rtc, be, tc, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	engine *intsync.Engine,
	coordinator *call.Coordinator,
	machine *status.Machine,
	pf *prefs.DB,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var watchCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			coordinator.Start(context.Background())

			var watchCtx context.Context
			watchCtx, watchCancel = context.WithCancel(context.Background())
			go watchStatus(watchCtx, machine, b, logger)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("local API server error", zap.Error(err))
				}
			}()

			// Session cookies do not survive a restart; a fresh daemon
			// always needs a login through the local API.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if user, err := srv.backend.Me(ctx); err == nil {
					if err := srv.beginSession(ctx, user); err != nil {
						logger.Warn("session resume failed", zap.Error(err))
					}
				} else {
					logger.Info("no active backend session, auth required")
					_ = machine.Transition(status.AuthRequired)
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watchCancel != nil {
				watchCancel()
			}
			coordinator.Stop()
			engine.Stop()
			srv.Stop(ctx)
			_ = pf.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchStatus mirrors transport health into the session status machine.
// A drop while Ready flips to Reconnecting; the engine's post-reconnect
// fetch announces conversations_loaded, which settles back to Ready.
func watchStatus(ctx context.Context, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	transCh, unsubTrans := b.Subscribe("transport.", 16)
	defer unsubTrans()
	chatCh, unsubChat := b.Subscribe(intsync.KindConversationsLoaded, 16)
	defer unsubChat()

	for {
		select {
		case evt := <-transCh:
			switch evt.Kind {
			case transport.KindDisconnected:
				if machine.Current() == status.Ready {
					if err := machine.Transition(status.Reconnecting); err != nil {
						logger.Debug("status transition", zap.Error(err))
					}
				}
			case transport.KindConnected:
				if machine.Current() == status.Reconnecting {
					_ = machine.Transition(status.Syncing)
				}
			}
		case <-chatCh:
			if machine.Current() == status.Syncing {
				_ = machine.Transition(status.Ready)
			}
		case <-ctx.Done():
			return
		}
	}
}
