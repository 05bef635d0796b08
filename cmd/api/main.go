package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sceneforge/internal/config"
	"sceneforge/internal/httpapi"
	"sceneforge/internal/httpapi/handlers"
	"sceneforge/internal/pkg/shutdown"
	"sceneforge/internal/repositories"
	"sceneforge/internal/storage"
	"sceneforge/internal/worker/jobspec"
	"sceneforge/internal/worker/processor"
	"sceneforge/internal/worker/queue"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $SCENEFORGE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := cfg.Logger("sceneforge-api")

	log.Info("starting sceneforge API", "version", "0.1.0")
	if err := cfg.ValidateServices(); err != nil {
		log.LogFatal("invalid configuration", err)
	}

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)
	ctx := shutdownMgr.Context()

	// Connect to PostgreSQL
	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)

	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if err := repositories.Migrate(ctx, pool); err != nil {
		log.LogFatal("failed to migrate schema", err)
	}
	log.Info("PostgreSQL connected")
	repo := repositories.NewBatchRepository(pool)

	// Connect to Redis
	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	// POST /export renders in process; without a usable render section the
	// endpoint reports itself unavailable.
	var proc *processor.Processor
	if p, err := processor.FromConfig(cfg, processor.Deps{Log: log}); err != nil {
		log.Warn("synchronous export disabled", "error", err.Error())
	} else {
		proc = p
	}
	enginePath := ""
	if cfg.Render.Mode == jobspec.ModeProcess {
		enginePath = cfg.Render.EnginePath
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Scenes:         repo,
			Batches:        repo,
			Queue:          queue.NewRedisQueue(rdb, cfg.QueueName),
			SP:             sp,
			Processor:      proc,
			DB:             repo,
			RDB:            rdb,
			EnginePath:     enginePath,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		},
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Log:            log,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
