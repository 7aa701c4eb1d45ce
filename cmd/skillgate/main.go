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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/skillgate/internal/api"
	"github.com/nidhogg/skillgate/internal/bus"
	"github.com/nidhogg/skillgate/internal/config"
	"github.com/nidhogg/skillgate/internal/gate"
	"github.com/nidhogg/skillgate/internal/notify"
	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/resolution"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/skillgate.json"
	}
	cfg, cfgErr := config.Load(cfgPath)
	if errors.Is(cfgErr, os.ErrNotExist) {
		cfg, cfgErr = config.Default(), nil
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if cfgErr != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(cfgErr))
	}
	logger.Info("Starting skillgate...", zap.String("config", cfgPath))

	// Manifests: built-ins first, then plugin directories.
	manifests := skill.NewStore(logger)
	for _, err := range skill.RegisterBuiltins(manifests) {
		logger.Error("built-in manifest rejected", zap.Error(err))
	}
	plugins, err := skill.LoadFromDir(cfg.SkillsDir)
	if err != nil {
		logger.Fatal("failed to read skills directory", zap.String("dir", cfg.SkillsDir), zap.Error(err))
	}
	for _, err := range manifests.RegisterAll(plugins) {
		logger.Error("skill manifest rejected", zap.Error(err))
	}
	logger.Info("Manifests loaded", zap.Strings("skills", manifests.Names()))

	limits, err := cfg.PlatformLimits()
	if err != nil {
		logger.Fatal("invalid rate limits", zap.Error(err))
	}
	cache, err := resolution.New(permission.NewResolver(limits), resolution.Options{
		Size:   cfg.Cache.Size,
		Shards: cfg.Cache.Shards,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create decision cache", zap.Error(err))
	}

	// Configuration storage
	var configs api.ConfigStore = store.NewMemory()
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		cipher, cErr := store.CipherFromEnv(cfg.EncryptKeyEnv)
		if cErr != nil {
			logger.Warn("no encryption key, configurations with secrets cannot be saved", zap.Error(cErr))
		}
		ps, pgErr := store.New(cfg.Database.Postgres.DSN, cipher, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, keeping configurations in memory", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), cfg.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			configs = ps
		}
	}

	// Rate limiting and invalidation share one Redis connection.
	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	var invalidations *bus.Bus
	var rdb *redis.Client
	if cfg.Database.Redis.URL != "" {
		c, rErr := connectRedis(cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Warn("Redis unavailable, rate limits are per process", zap.Error(rErr))
		} else {
			rdb = c
			limiter = ratelimit.NewRedisFromClient(rdb, logger)
			invalidations = bus.NewFromClient(rdb, logger)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	g := gate.New(manifests, cache, limiter, gate.MustNewMetrics(reg), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if invalidations != nil {
		go func() {
			err := invalidations.Subscribe(ctx, func(inv bus.Invalidation) {
				g.Invalidate(inv.AgentID, inv.Skill)
			})
			if err != nil {
				logger.Error("invalidation subscriber stopped", zap.Error(err))
			}
		}()
	}

	hub := notify.NewHub(logger)
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		hub.Register(notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		d, dErr := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(dErr))
		} else {
			hub.Register(d)
		}
	}

	var publisher api.Publisher
	if invalidations != nil {
		publisher = invalidations
	}
	handler := api.NewHandler(g, configs, publisher, hub,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("skillgate listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down skillgate...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	hub.Close()
	if rdb != nil {
		rdb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	if cfg.Server.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
		return logger
	}
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.Server.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func connectRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
