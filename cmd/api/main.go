package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"medgate.org/internal/audit"
	"medgate.org/internal/config"
	"medgate.org/internal/events"
	"medgate.org/internal/httpapi"
	"medgate.org/internal/identity"
	"medgate.org/internal/migrate"
	"medgate.org/internal/notify"
	"medgate.org/internal/obs"
	"medgate.org/internal/store"
	"medgate.org/internal/store/pg"
	"medgate.org/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is a record store that holds external resources.
type backend interface {
	store.Store
	io.Closer
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.InitLogger(cfg.LogLevel, cfg.LogFormat)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open record store")
	}
	defer st.Close()

	ledger, err := audit.NewLedger(st, audit.WithRetention(cfg.LedgerRetention))
	if err != nil {
		logger.Fatal().Err(err).Msg("audit ledger")
	}

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.WebhookURL, cfg.NotifyTimeout)
	}
	dispatcher := notify.NewDispatcher(sender,
		notify.WithTimeout(cfg.NotifyTimeout),
		notify.WithQueueSize(cfg.NotifyQueueSize),
		notify.WithLogger(logger),
	)

	broker := events.NewBroker(64)
	svc, err := identity.NewService(st, ledger,
		identity.WithPlatformAdmins(cfg.PlatformAdmins...),
		identity.WithNotifier(dispatcher),
		identity.WithBroker(broker),
		identity.WithSuspicionPolicy(cfg.SuspicionThreshold, cfg.SuspicionWindow),
		identity.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity service")
	}
	seedCtx, cancelSeed := context.WithTimeout(ctx, 10*time.Second)
	err = svc.Seed(seedCtx)
	cancelSeed()
	if err != nil {
		logger.Fatal().Err(err).Msg("seed platform admins")
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal().Err(err).Msg("generate token secret")
		}
		logger.Warn().Msg("MEDGATE_JWT_SECRET not set; using an ephemeral secret, tokens will not survive a restart")
	}

	probe := httpapi.ReadyProbe{Store: st}
	api, err := httpapi.New(svc, broker, probe, httpapi.Config{
		Version:        version,
		TokenSecret:    secret,
		TokenTTL:       cfg.TokenTTL,
		LoginBurst:     cfg.LoginRateBurst,
		LoginPerSecond: cfg.LoginRatePerSecond,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("http api")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	health := httpapi.NewHealthServer(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("version", version).
			Str("store", cfg.StoreBackend).
			Msg("medgate api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		grpcServer.GracefulStop()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("notifications not drained")
	}
	stats := dispatcher.Stats()
	logger.Info().
		Uint64("sent", stats.Sent).
		Uint64("failed", stats.Failed).
		Uint64("dropped", stats.Dropped).
		Msg("stopped")
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if err := migrateUp(ctx, pgStore); err != nil {
			_ = pgStore.Close()
			return nil, err
		}
		return pgStore, nil
	case config.BackendRedis:
		redisStore, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisStore, nil
	default:
		return memoryBackend{store.NewMemory()}, nil
	}
}

func migrateUp(ctx context.Context, s *pg.Store) error {
	migrations, err := fs.Sub(pg.Migrations, "migrations")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mgr := migrate.NewManager(s.DB(), migrations, migrate.WithCollections(pg.CollectionNames()...))
	if err := mgr.Up(ctx); err != nil {
		return err
	}
	return mgr.Seed(ctx)
}
