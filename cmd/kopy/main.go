package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kopy/cfg"
	"kopy/pkg/secrets"
	"kopy/svc/api"
	"kopy/svc/auth"
	"kopy/svc/cache"
	"kopy/svc/db"
	"kopy/svc/lim"
	"kopy/svc/svc"
	"kopy/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.SecretsFromProvider {
		if err := loadSecrets(ctx, c); err != nil {
			util.Fatal().Err(err).Msg("failed to load secrets")
		}
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.Info().Str("environment", c.Environment).Msg("starting kopy")

	store, sqlDB, err := openStore(c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize paste store")
	}
	defer store.Close()

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits stay local")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}

	scheme, err := auth.ParseScheme(c.PasswordHashScheme)
	if err != nil {
		util.Fatal().Err(err).Msg("invalid password hash scheme")
	}
	var pepper []byte
	if c.Pepper.Value() != "" {
		pepper = []byte(c.Pepper.Value())
	}
	hasher, err := auth.NewHasher(scheme, c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().Str("scheme", string(scheme)).Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	pasteSvc := svc.NewPaste(store, lruCache, hasher, c, svc.WithResponseFloor(util.ResponseFloor))
	if err := pasteSvc.StartCleaner(ctx, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	}
	if sqlDB != nil {
		go sqlDB.StartWALMaintenance(ctx)
	}

	var counter lim.Counter
	var pinger api.Pinger
	if rdb != nil {
		counter = rdb
		pinger = rdb
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	defer limiter.Stop()
	if counter != nil && len(pepper) >= 32 {
		ipHasher, err := util.NewIPHasher(pepper, c.IPHashRotation)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize IP hasher")
		}
		defer ipHasher.Stop()
		limiter.SetKeyer(ipHasher)
	}
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", counter != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, store, pinger)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}

// openStore returns the SQLite handle as well when that backend is chosen so
// that WAL maintenance can run against it.
func openStore(c *cfg.Cfg) (db.Store, *db.SQLite, error) {
	if db.BackendFor(c.DatabaseURL) == db.BackendRedis {
		r, err := db.NewRedis(c.DatabaseURL, c)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Msg("paste store: redis")
		return r, nil, nil
	}
	path := db.SQLitePath(c.DatabaseURL)
	s, err := db.NewSQLiteWithConfig(path, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return nil, nil, err
	}
	util.Info().Str("path", path).Msg("paste store: sqlite")
	return s, s, nil
}

func loadSecrets(ctx context.Context, c *cfg.Cfg) error {
	provider, err := secrets.NewAdapter(ctx)
	if err != nil {
		return err
	}
	if v, err := provider.GetSecret(ctx, "PEPPER"); err == nil {
		c.Pepper = cfg.NewSecret(v)
	} else if scheme, _ := auth.ParseScheme(c.PasswordHashScheme); scheme == auth.SchemeArgon2id {
		return err
	}
	if v, err := provider.GetSecret(ctx, "METRICS_PASS"); err == nil {
		c.MetricsPass = cfg.NewSecret(v)
	}
	return nil
}

func healthProbe() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := cfg.LoadEnvFile(envFile); err != nil {
		return 1
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		url = "kopy.db"
	}
	c := &cfg.Cfg{RedisTimeout: time.Second, RedisTLS: os.Getenv("REDIS_TLS") == "true"}
	var store db.Store
	var err error
	if db.BackendFor(url) == db.BackendRedis {
		store, err = db.NewRedis(url, c)
	} else {
		store, err = db.NewSQLite(db.SQLitePath(url))
	}
	if err != nil {
		return 1
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
