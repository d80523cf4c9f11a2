package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/msync/internal/api"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/chatlist"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/conversation"
	"github.com/matheus3301/msync/internal/credentials"
	"github.com/matheus3301/msync/internal/lock"
	"github.com/matheus3301/msync/internal/logging"
	"github.com/matheus3301/msync/internal/outbox"
	"github.com/matheus3301/msync/internal/protocol"
	"github.com/matheus3301/msync/internal/restapi"
	"github.com/matheus3301/msync/internal/router"
	"github.com/matheus3301/msync/internal/session"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	intsync "github.com/matheus3301/msync/internal/sync"
	"github.com/matheus3301/msync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfileConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCredentials,
			provideRouter,
			provideTransport,
			provideREST,
			provideChatList,
			provideConversation,
			provideSyncEngine,
			provideJournal,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfileConfig(p Params) (*config.Profile, error) {
	cfg, err := config.LoadProfile(session.ProfilePath(p.Profile))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Profile, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Profile) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock as a parameter so the cache is never opened by
// a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("cache ready",
		zap.String("path", db.Path()),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema", result.Version),
	)
	return db, nil
}

func provideCredentials(p Params, logger *zap.Logger) *credentials.Store {
	return credentials.NewStore(session.CredentialsPath(p.Profile), logger)
}

func provideRouter(b *bus.Bus, logger *zap.Logger) *router.Router {
	return router.New(b, logger.Named("router"))
}

func provideTransport(cfg *config.Profile, db *store.DB, creds *credentials.Store, r *router.Router, b *bus.Bus, m *status.Machine, logger *zap.Logger) (*transport.Client, error) {
	deviceID, err := db.DeviceID()
	if err != nil {
		return nil, err
	}
	return transport.New(transport.Options{
		URL:      cfg.Server.WSURL,
		DeviceID: deviceID,
		ClientInfo: protocol.ClientInfo{
			Platform: cfg.Client.Platform,
			Version:  cfg.Client.Version,
			Device:   cfg.Client.Device,
		},
		Keepalive: cfg.Sync.Keepalive,
	}, creds, r, b, m, logger.Named("transport")), nil
}

func provideREST(cfg *config.Profile, creds *credentials.Store, b *bus.Bus, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(cfg.Server.APIURL, cfg.Sync.RequestTimeout, creds, b, logger.Named("rest"))
}

func provideChatList(cfg *config.Profile, t *transport.Client, rest *restapi.Client, db *store.DB, creds *credentials.Store, b *bus.Bus, logger *zap.Logger) *chatlist.Synchronizer {
	return chatlist.New(t, rest, db, creds, b, cfg.Sync.FilterDebounce, logger.Named("chatlist"))
}

func provideConversation(cfg *config.Profile, t *transport.Client, rest *restapi.Client, db *store.DB, creds *credentials.Store, b *bus.Bus, logger *zap.Logger) *conversation.Synchronizer {
	return conversation.New(t, rest, db, creds, b, conversation.Options{
		PageSize:     cfg.Sync.PageSize,
		SendTimeout:  cfg.Sync.SendTimeout,
		TypingExpiry: cfg.Sync.TypingExpiry,
	}, logger.Named("conversation"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("sync"))
}

func provideJournal(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Journal {
	return outbox.NewJournal(db, b, logger.Named("outbox"))
}

func provideControlService(p Params, t *transport.Client, rest *restapi.Client, cl *chatlist.Synchronizer, conv *conversation.Synchronizer, j *outbox.Journal, e *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(api.Deps{
		Profile:      p.Profile,
		Connection:   t,
		ChatList:     cl,
		Conversation: conv,
		Outbox:       j,
		Checkpoints:  e.Checkpoints(),
		Directory:    rest,
		Bus:          b,
		Logger:       logger.Named("api"),
	})
}

type lifecycleParams struct {
	fx.In

	Config       *config.Profile
	Server       *Server
	Lock         *lock.Lock
	DB           *store.DB
	Credentials  *credentials.Store
	Transport    *transport.Client
	ChatList     *chatlist.Synchronizer
	Conversation *conversation.Synchronizer
	Engine       *intsync.Engine
	Journal      *outbox.Journal
	Bus          *bus.Bus
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	// Components outlive the OnStart context, which fx cancels once startup ends.
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first so nothing the transport publishes is missed.
			d.Credentials.Start(ctx, d.Bus)
			d.Engine.Start(ctx)
			d.Journal.Start(ctx)
			d.ChatList.Start(ctx)
			d.Conversation.Start(ctx)

			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Config.Sync.AutoConnect {
				go func() {
					if err := d.Transport.Connect(ctx); err != nil {
						logger.Warn("auto-connect failed", zap.Error(err))
					}
				}()
			}
			go func() {
				if err := d.ChatList.Load(ctx); err != nil {
					logger.Warn("initial chat list load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Server.Stop(stopCtx)
			d.Transport.Disconnect()
			d.Conversation.Stop()
			d.ChatList.Stop()
			d.Journal.Stop()
			d.Engine.Stop()
			d.Credentials.Stop()
			cancel()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
