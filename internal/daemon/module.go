package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/imsync/internal/account"
	"github.com/matheus3301/imsync/internal/api"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/config"
	"github.com/matheus3301/imsync/internal/index"
	"github.com/matheus3301/imsync/internal/lock"
	"github.com/matheus3301/imsync/internal/logging"
	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/profile"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/store"
	intsync "github.com/matheus3301/imsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// wsReadLimit bounds one inbound realtime frame.
const wsReadLimit = 4 << 20

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	LogLevel   zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideCredentials,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideChannel,
			provideEnricher,
			provideRouter,
			providePuller,
			provideScheduler,
			provideResolver,
			index.New,
			provideTracker,
			provideSender,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(account.ConfigPath())
}

func provideCredentials(p Params) (*config.Credentials, error) {
	creds, err := config.LoadCredentials(account.CredentialsPath(p.Account))
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", p.Account, err)
	}
	if err := account.ValidateUserID(creds.UserID); err != nil {
		return nil, err
	}
	return creds, nil
}

func provideLogger(p Params, creds *config.Credentials) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    account.LogPath(p.Account),
		Account: p.Account,
		UserID:  creds.UserID,
		Level:   p.LogLevel,
		Console: true,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, creds *config.Credentials, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureUserDir(p.Account, creds.UserID); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore opens the database of the signed-in user. It takes the lock so
// the file is never opened by two daemons.
func provideStore(p Params, creds *config.Credentials, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account, creds.UserID)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Recovered {
		logger.Warn("re-applied interrupted migration", zap.Uint("version", result.Version))
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, creds *config.Credentials) *remote.Client {
	return remote.New(remote.Options{
		BaseURL:         cfg.Server.APIBaseURL,
		AtomPath:        cfg.Server.AtomPath,
		Token:           creds.Token,
		Timeout:         cfg.HTTP.Timeout,
		DownloadTimeout: cfg.HTTP.DownloadTimeout,
	})
}

func provideChannel(cfg *config.Config, creds *config.Credentials, m *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Channel {
	return realtime.New(realtime.Config{
		URL:         cfg.Server.WSURL,
		Token:       creds.Token,
		UserID:      creds.UserID,
		MaxAttempts: cfg.Realtime.ReconnectAttempts,
		Delay:       cfg.Realtime.ReconnectDelay,
		DialTimeout: cfg.HTTP.Timeout,
	}, realtime.WebsocketDialer(wsReadLimit), m, b, logger.Named("realtime"))
}

func provideEnricher(db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *intsync.Enricher {
	return intsync.NewEnricher(db, rc, b, logger.Named("enrich"))
}

func provideRouter(db *store.DB, b *bus.Bus, ch *realtime.Channel, e *intsync.Enricher, creds *config.Credentials, logger *zap.Logger) *intsync.Router {
	return intsync.NewRouter(db, b, ch, e, creds.UserID, logger.Named("router"))
}

func providePuller(cfg *config.Config, db *store.DB, rc *remote.Client, r *intsync.Router, e *intsync.Enricher, b *bus.Bus, logger *zap.Logger) *intsync.Puller {
	return intsync.NewPuller(db, rc, r, e, b, intsync.PullerOptions{
		PageSize:           cfg.Reconcile.PageSize,
		MailboxConcurrency: cfg.Reconcile.MailboxConcurrency,
	}, logger.Named("puller"))
}

func provideScheduler(cfg *config.Config, p *intsync.Puller, logger *zap.Logger) (*intsync.Scheduler, error) {
	return intsync.NewScheduler(cfg.Reconcile.Schedule, p, 0, logger.Named("scheduler"))
}

func provideResolver(cfg *config.Config, p Params, creds *config.Credentials, db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *profile.Resolver {
	return profile.New(db, rc, b, logger.Named("profile"), profile.Options{
		AvatarDir:     account.AvatarDir(p.Account, creds.UserID),
		MetaTTL:       cfg.Profile.MetaTTL,
		MetaCacheSize: cfg.Profile.MetaCacheSize,
		FetchTimeout:  cfg.HTTP.DownloadTimeout,
	})
}

func provideTracker(ix *index.Index, db *store.DB, b *bus.Bus, logger *zap.Logger) *index.Tracker {
	return index.NewTracker(ix, db, b, logger.Named("index"))
}

func provideSender(db *store.DB, ch *realtime.Channel, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, ch, b, logger.Named("outbox"))
}

func provideService(p Params, db *store.DB, ix *index.Index, res *profile.Resolver, sender *outbox.Sender, puller *intsync.Puller, ch *realtime.Channel, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Account:    p.Account,
		DB:         db,
		Index:      ix,
		Profiles:   res,
		Outbox:     sender,
		Reconciler: puller,
		Channel:    ch,
		Machine:    m,
		Bus:        b,
		Logger:     logger.Named("api"),
	})
}

type components struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Channel   *realtime.Channel
	Router    *intsync.Router
	Puller    *intsync.Puller
	Scheduler *intsync.Scheduler
	Resolver  *profile.Resolver
	Tracker   *index.Tracker
	Sender    *outbox.Sender
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The index loads before anything can change the store.
			if err := c.Tracker.Start(context.Background()); err != nil {
				return err
			}
			c.Resolver.Start(context.Background())
			if err := c.Puller.Start(context.Background()); err != nil {
				return err
			}
			c.Sender.Start(context.Background())
			c.Channel.SetHandler(c.Router.Handle)
			c.Scheduler.Start()

			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				err := c.Channel.Start(context.Background())
				if errors.Is(err, realtime.ErrNoToken) {
					logger.Warn("no token in credentials, realtime channel stays closed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := c.Scheduler.Stop(ctx); err != nil {
				logger.Warn("scheduler did not stop in time", zap.Error(err))
			}
			c.Channel.Stop()
			c.Sender.Stop()
			c.Puller.Stop()
			c.Resolver.Stop()
			c.Tracker.Stop()
			c.Server.Stop(ctx)
			if err := c.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
