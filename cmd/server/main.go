package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onetime.secret/config"
	"onetime.secret/internal/api"
	"onetime.secret/internal/cache"
	"onetime.secret/internal/crypto"
	"onetime.secret/internal/reaper"
	"onetime.secret/internal/secret"
	"onetime.secret/internal/store"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// durableStore is what every backend provides: secrets plus their audit trail.
type durableStore interface {
	store.Store
	store.AuditLog
}

var logTags = log.Fields{"package": "main", "module": "server", "component": "main"}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	if err := setupLogging(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, "logging error:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.WithFields(logTags).WithError(err).Fatal("Server stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}
	defer st.Close()

	c := openCache(ctx, cfg.Cache)
	defer c.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr, err := secret.NewManager(secret.Params{
		Store:   st,
		Cache:   c,
		Audit:   st,
		Hasher:  crypto.NewBcryptHasher(cfg.Secrets.BcryptCost),
		NewID:   crypto.NewIDGenerator(cfg.Secrets.IDLength),
		Metrics: secret.NewMetrics(reg),
	}, secret.Options{
		DefaultTTL:      cfg.Secrets.DefaultTTL,
		MaxTTL:          cfg.Secrets.MaxTTL,
		MaxPayloadBytes: cfg.Secrets.MaxPayloadBytes,
		CreateRetries:   cfg.Secrets.CreateRetries,
		CacheTimeout:    cfg.Cache.OpTimeout,
	})
	if err != nil {
		return err
	}
	defer mgr.Wait()

	if cfg.Reaper.Enabled {
		rp := reaper.New(st, cfg.Reaper.Retention, time.Now)
		if err := rp.Start(ctx, cfg.Reaper.Schedule); err != nil {
			return fmt.Errorf("starting reaper: %w", err)
		}
		defer rp.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.SetupRouter(mgr, cfg, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.WithFields(logTags).WithFields(log.Fields{
		"addr":     cfg.Addr(),
		"base_url": cfg.Server.BaseURL,
		"store":    cfg.Store.Type,
		"cache":    cfg.Cache.Enabled,
	}).Info("Server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.WithFields(logTags).Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func setupLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetHandler(json.New(os.Stderr))
	default:
		log.SetHandler(text.New(os.Stderr))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (durableStore, error) {
	switch cfg.Type {
	case config.StorePostgres:
		st, err := store.OpenPostgres(ctx, store.PostgresOptions{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		return st, nil
	case config.StoreSQLite:
		return store.OpenSQLite(cfg.SQLite.Path)
	default:
		log.WithFields(logTags).Warn("Using in-memory store, secrets will not survive a restart")
		return store.NewMemoryStore(), nil
	}
}

// openCache never fails: an unreachable Redis only costs latency.
func openCache(ctx context.Context, cfg config.CacheConfig) cache.Cache {
	if !cfg.Enabled {
		return cache.Noop{}
	}

	rc := cache.NewRedisCache(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		log.WithFields(logTags).WithError(err).WithField("addr", cfg.Redis.Addr).
			Warn("Redis cache unreachable, continuing without it until it recovers")
	}
	return rc
}
