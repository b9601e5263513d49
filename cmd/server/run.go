package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/pushrelay/internal/auth"
	"github.com/and161185/pushrelay/internal/config"
	"github.com/and161185/pushrelay/internal/credcache"
	"github.com/and161185/pushrelay/internal/dispatch"
	"github.com/and161185/pushrelay/internal/identity"
	"github.com/and161185/pushrelay/internal/metrics"
	"github.com/and161185/pushrelay/internal/migrate"
	"github.com/and161185/pushrelay/internal/repository"
	"github.com/and161185/pushrelay/internal/repository/postgres"
	redisstore "github.com/and161185/pushrelay/internal/repository/redis"
	"github.com/and161185/pushrelay/internal/server/httpapi"
	"github.com/and161185/pushrelay/internal/service"
)

const shutdownTimeout = 5 * time.Second

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	store, sweeper, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Store.ClearOnStart {
		if err := store.Flush(ctx); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
		log.Warn("store cleared on start")
	}

	m := metrics.New()

	disp := dispatch.New(cfg.Poll.ResponseTimeout)
	disp.OnResolve = func(o dispatch.Outcome) { m.Poll(o.String()) }
	m.PendingPolls(disp.Pending)

	var cache *credcache.Cache
	if cfg.Cache.Enabled {
		cache = credcache.New(cfg.Cache.Size, cfg.Cache.Lifetime)
		go cache.Start()
		defer cache.Stop()
		m.CredCacheSize(cache.Len)
	}

	oracleTLS, err := oracleTLSConfig(cfg.HTTP.CAFile, log)
	if err != nil {
		return err
	}
	userPool := auth.NewPool(cfg.Oracle.PoolSize, cfg.Oracle.IdleTimeout, oracleTLS)
	defer userPool.Close()
	appPool := auth.NewPool(cfg.Oracle.PoolSize, cfg.Oracle.IdleTimeout, oracleTLS)
	defer appPool.Close()
	userOracle := auth.NewOracle("user", endpoint(cfg.Oracle.Secure, cfg.Oracle.User), userPool, log, m)
	appOracle := auth.NewOracle("app", endpoint(cfg.Oracle.Secure, cfg.Oracle.App), appPool, log, m)

	d := service.Deps{
		Store: store,
		Codec: identity.NewCodec(identity.Secrets{
			Instance: cfg.Secrets.Instance,
			Cookie:   cfg.Secrets.Cookie,
			Token:    cfg.Secrets.Token,
		}),
		Poller:  disp,
		TTL:     cfg.Store.RegistrationTimeout,
		Logger:  log,
		Metrics: m,
	}
	api := httpapi.New(httpapi.Options{
		Registrations: service.NewRegistrationService(d),
		Queue:         service.NewQueueService(d),
		Codec:         d.Codec,
		UserOracle:    userOracle,
		AppAuth:       auth.NewAuthorizer(appOracle, cache, m),
		Polls:         disp,
		Health:        store.Ping,
		Metrics:       m,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.HTTP.Secure {
			log.Info("listening (TLS)", zap.String("addr", cfg.HTTP.Addr))
			err = srv.ListenAndServeTLS(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
		} else {
			log.Info("listening", zap.String("addr", cfg.HTTP.Addr))
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			// pending long-polls outlive the grace period
			log.Warn("forced shutdown", zap.Error(err))
			return srv.Close()
		}
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			sweeper(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// openStore connects the configured backend. Postgres also yields a sweeper
// removing expired keys in the background.
func openStore(ctx context.Context, c config.Store, log *zap.Logger) (repository.Store, func(context.Context), error) {
	switch c.Driver {
	case config.DriverPostgres:
		ver, err := migrate.Up(ctx, c.PostgresDSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		log.Info("schema ready", zap.Int64("version", ver))

		db, err := postgres.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.NewStore(db)
		return s, func(ctx context.Context) { sweep(ctx, s, c.SweepInterval, log) }, nil
	default:
		s, err := redisstore.New(ctx, redisstore.Config{URL: c.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return s, nil, nil
	}
}

func sweep(ctx context.Context, s *postgres.Store, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("swept expired keys", zap.Int64("keys", n))
			}
		}
	}
}

func endpoint(secure bool, e config.Endpoint) auth.Endpoint {
	return auth.Endpoint{Secure: secure, Host: e.Host, Port: e.Port, Path: e.Path}
}

// oracleTLSConfig trusts the configured CA in addition to the system roots.
// A missing CA file is not an error.
func oracleTLSConfig(caFile string, log *zap.Logger) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("certificate authority file not found", zap.String("file", caFile))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s holds no certificates", caFile)
	}
	return &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, nil
}
