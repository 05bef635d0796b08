package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sceneforge/internal/config"
	"sceneforge/internal/pkg/shutdown"
	"sceneforge/internal/repositories"
	"sceneforge/internal/storage"
	"sceneforge/internal/worker"
	"sceneforge/internal/worker/queue"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $SCENEFORGE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := cfg.Logger("sceneforge-worker")

	if err := cfg.ValidateServices(); err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if err := cfg.ValidateRender(); err != nil {
		log.LogFatal("invalid render configuration", err)
	}

	// The grace period covers terminating the running engine and removing
	// its workspace.
	shutdownMgr := shutdown.NewManager(log, cfg.Render.Grace+30*time.Second)
	ctx := shutdownMgr.Context()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := repositories.Migrate(ctx, pool); err != nil {
		log.LogFatal("failed to migrate schema", err)
	}
	repo := repositories.NewBatchRepository(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	done := make(chan struct{})
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		defer close(done)
		log.Info("sceneforge worker started",
			"queue", cfg.QueueName,
			"render_mode", string(cfg.Render.Mode),
			"storage", sp.Provider(),
		)
		err := worker.Run(ctx, worker.Deps{
			Config: cfg,
			Queue:  queue.NewRedisQueue(rdb, cfg.QueueName),
			Store:  repo,
			Scenes: repo,
			SP:     sp,
			Log:    log,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.LogError(ctx, "worker stopped", err)
			go shutdownMgr.Shutdown()
		}
	}()

	shutdownMgr.Wait()
}
