package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/samandartukhtayev/user-directory/api"
	"github.com/samandartukhtayev/user-directory/cache"
	"github.com/samandartukhtayev/user-directory/config"
	"github.com/samandartukhtayev/user-directory/migrations"
	"github.com/samandartukhtayev/user-directory/repository"
	"github.com/samandartukhtayev/user-directory/sharding"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	configureLogger(logger, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Migrate {
		if err := migrations.Apply(cfg, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	sm, err := sharding.NewShardManager(ctx, cfg)
	if err != nil {
		logger.Fatalf("create shard manager: %v", err)
	}
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Warnf("close shards: %v", err)
		}
	}()
	logger.WithField("shards", sm.NumShards()).Info("connected to all database shards and replicas")

	recordCache, closeCache := buildCache(cfg.Cache, logger)
	defer closeCache()

	repo := repository.NewUserRepository(sm, repository.Options{
		Cache:        recordCache,
		ShardTimeout: cfg.Fanout.ShardTimeout,
		BcryptCost:   cfg.Auth.BcryptCost,
		Logger:       logger,
	})

	logShardDistribution(ctx, repo, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewHandler(repo, logger).Routes(),
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// buildCache picks the cache backend: Redis when an address is configured,
// the in-process LRU otherwise. A disabled cache is a nil backend.
func buildCache(cfg config.CacheConfig, logger *logrus.Logger) (*cache.RecordCache, func()) {
	opts := cache.Options{TTL: cfg.TTL, KeyPrefix: cfg.KeyPrefix, Logger: logger}

	if !cfg.Enabled {
		logger.Info("record cache disabled")
		return cache.New(nil, opts), func() {}
	}

	if cfg.Addr == "" {
		logger.WithField("size", cfg.LocalSize).Info("using in-process record cache")
		return cache.New(cache.NewMemoryBackend(cfg.LocalSize, cfg.TTL), opts), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logger.WithField("addr", cfg.Addr).Info("using redis record cache")
	return cache.New(cache.NewRedisBackend(client), opts), func() {
		if err := client.Close(); err != nil {
			logger.Warnf("close redis: %v", err)
		}
	}
}

func logShardDistribution(ctx context.Context, repo *repository.UserRepository, logger *logrus.Logger) {
	counts, err := repo.CountPerShard(ctx)
	if err != nil {
		logger.WithError(err).Warn("could not count users per shard")
		return
	}

	shardIDs := make([]int, 0, len(counts))
	for shardID := range counts {
		shardIDs = append(shardIDs, shardID)
	}
	sort.Ints(shardIDs)

	total := 0
	for _, shardID := range shardIDs {
		logger.WithFields(logrus.Fields{
			"shard": shardID,
			"users": counts[shardID],
		}).Info("shard distribution")
		total += counts[shardID]
	}
	logger.WithField("users", total).Info("total users")
}
