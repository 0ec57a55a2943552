package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/chanvault/chanvault/internal/accounts"
	"github.com/chanvault/chanvault/internal/approval"
	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/config"
	"github.com/chanvault/chanvault/internal/connection"
	"github.com/chanvault/chanvault/internal/db"
	"github.com/chanvault/chanvault/internal/handlers"
	"github.com/chanvault/chanvault/internal/ingest"
	"github.com/chanvault/chanvault/internal/logger"
	"github.com/chanvault/chanvault/internal/objstore"
	"github.com/chanvault/chanvault/internal/platform"
	"github.com/chanvault/chanvault/internal/platform/sessionfile"
	"github.com/chanvault/chanvault/internal/platform/telegram"
	"github.com/chanvault/chanvault/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			catalog.NewStore,
			provideObjectStore,
			provideSessionStore,
			provideSession,
			provideConnectionManager,
			provideClassifier,
			providePipeline,
			provideProcessor,
			provideAccountsService,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideChannelsHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(provideDiagnosticsHandler),
			provideServer,
		),
		fx.Invoke(
			runMigrations,
			startObjectStore,
			startConnection,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideObjectStore(cfg config.Config) (objstore.Store, error) {
	store, err := objstore.NewMinioStore(cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("object store init: %w", err)
	}
	return store, nil
}

func provideSessionStore(cfg config.Config) *sessionfile.Store {
	tg := cfg.Telegram
	return sessionfile.NewStore(tg.SessionPath, tg.DataDir, tg.LegacySessionPath)
}

func provideSession(log *slog.Logger, cfg config.Config, sessions *sessionfile.Store) platform.Session {
	tg := cfg.Telegram
	return telegram.NewClient(log, tg.APIID, tg.APIHash, sessions)
}

func provideConnectionManager(log *slog.Logger, session platform.Session, cfg config.Config) *connection.Manager {
	tg := cfg.Telegram
	return connection.NewManager(log, session, connection.Options{
		ConnectTimeout:      tg.ConnectTimeoutDuration(),
		HealthInterval:      tg.HealthIntervalDuration(),
		MaxReconnectRetries: tg.ReconnectRetries,
	})
}

func provideClassifier(cfg config.Config) *ingest.Classifier {
	return ingest.NewClassifier(cfg.Ingest.MimeKinds)
}

func providePipeline(log *slog.Logger, manager *connection.Manager, store *catalog.Store, classifier *ingest.Classifier, cfg config.Config) *ingest.Pipeline {
	return ingest.NewPipeline(log, manager, store, classifier, ingest.Options{
		BatchSize:    cfg.Ingest.FetchBatchSize,
		FetchRetries: cfg.Ingest.FetchRetries,
		RetryWait:    cfg.Ingest.FetchRetryWaitDuration(),
	})
}

func provideProcessor(log *slog.Logger, manager *connection.Manager, store *catalog.Store, objects objstore.Store, cfg config.Config) *approval.Processor {
	return approval.NewProcessor(log, manager, store, objects, cfg.Approval.MaxBatchSize, cfg.Approval.Workers)
}

func provideAccountsService(log *slog.Logger, conn *pgxpool.Pool) *accounts.Service {
	return accounts.NewService(log, conn)
}

func providePingHandler(log *slog.Logger, manager *connection.Manager) *handlers.PingHandler {
	return handlers.NewPingHandler(log, manager)
}

func provideAuthHandler(log *slog.Logger, accountService *accounts.Service, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, accountService, cfg.Auth.JWTSecret, jwtExpiresIn(cfg))
}

func provideChannelsHandler(log *slog.Logger, store *catalog.Store) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(log, store)
}

func provideMediaHandler(log *slog.Logger, store *catalog.Store, processor *approval.Processor, objects objstore.Store) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, store, processor, objects)
}

func provideDiagnosticsHandler(log *slog.Logger, manager *connection.Manager, store *catalog.Store, pipeline *ingest.Pipeline) *handlers.DiagnosticsHandler {
	return handlers.NewDiagnosticsHandler(log, manager, store, pipeline)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers)
}

func runMigrations(cfg config.Config) error {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func startObjectStore(lc fx.Lifecycle, objects objstore.Store) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		return objects.EnsureBuckets(ctx)
	}})
}

// startConnection brings the platform connection up, subscribes live messages
// into the pipeline, and kicks off one pull so a restart catches up without
// waiting for a trigger. Connection failure at boot is not fatal; the health
// loop keeps retrying and pulls degrade with a cause until it recovers.
func startConnection(lc fx.Lifecycle, log *slog.Logger, manager *connection.Manager, pipeline *ingest.Pipeline) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			manager.OnEvent(pipeline.HandleLive)
			if err := manager.Start(ctx); err != nil {
				return err
			}
			go func() {
				summary := pipeline.RunAll(ctx)
				log.Info("startup pull finished",
					slog.String("run_id", summary.RunID),
					slog.Int("channels", len(summary.Reports)),
				)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return manager.Shutdown(stopCtx)
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, accountService *accounts.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := accountService.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
				return fmt.Errorf("ensure admin: %w", err)
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func jwtExpiresIn(cfg config.Config) time.Duration {
	if d, err := time.ParseDuration(cfg.Auth.JWTExpiresIn); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(config.DefaultJWTExpiresIn)
	return d
}
