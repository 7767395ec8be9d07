package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"campusadmin.org/internal/auth"
	"campusadmin.org/internal/config"
	"campusadmin.org/internal/httpapi"
	"campusadmin.org/internal/obs"
	"campusadmin.org/internal/permcache"
	"campusadmin.org/internal/store/memory"
	"campusadmin.org/internal/store/pg"
)

var version = "0.1.0"

// identityStore is what the binary needs from a storage backend.
type identityStore interface {
	auth.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)
	metrics.SetBuildInfo(version)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cache := permcache.New(permcache.Config{TTL: cfg.PermCacheTTL, MaxSize: cfg.PermCacheSize},
		permcache.WithRecorder(metrics))

	resolverOpts := []auth.ResolverOption{auth.WithResolverLogger(logger)}
	var sub *permcache.Subscription
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		bc, err := permcache.NewBroadcaster(client, permcache.DefaultChannel, logger)
		if err != nil {
			return err
		}
		if sub, err = bc.Subscribe(ctx); err != nil {
			return err
		}
		defer sub.Close()
		resolverOpts = append(resolverOpts, auth.WithNotifier(bc))
		logger.Info("permission invalidation broadcast enabled", zap.String("redis", cfg.RedisAddr))
	}
	resolver := auth.NewResolver(store, cache, resolverOpts...)
	if sub != nil {
		go sub.Run(ctx, resolver.Apply)
	}

	svc, err := auth.NewService(store, resolver,
		auth.WithLogger(logger),
		auth.WithEvents(metrics),
		auth.WithPasswordHasher(auth.NewPasswordHasher(cfg.BcryptCost)),
		auth.WithDefaultRole(cfg.DefaultRole),
		auth.WithTokenOptions(
			auth.WithSigningSecret(cfg.SigningSecret),
			auth.WithIssuer(cfg.Issuer),
			auth.WithAccessTTL(cfg.AccessTTL),
			auth.WithRefreshTTL(cfg.RefreshTTL),
		),
	)
	if err != nil {
		return err
	}
	if err := svc.SyncRegistry(ctx); err != nil {
		return fmt.Errorf("sync permission registry: %w", err)
	}

	if cfg.PurgeInterval > 0 {
		go purgeLoop(ctx, svc, cfg.PurgeInterval, logger)
	}

	api := httpapi.New(httpapi.Deps{
		Service: svc,
		Metrics: metrics,
		Logger:  logger,
		Ready:   store,
		Version: version,

		TrustedProxies: cfg.TrustedProxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting", zap.String("version", version), zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (identityStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory identity store; data is lost on exit")
		return memory.New(), nil
	default:
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return st, nil
	}
}

// purgeLoop deletes long-expired refresh credentials. Expiry is enforced on
// read, so a missed run only costs storage.
func purgeLoop(ctx context.Context, svc *auth.Service, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpiredCredentials(ctx, every)
			if err != nil {
				logger.Warn("purge expired credentials", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired credentials", zap.Int64("count", n))
			}
		}
	}
}
