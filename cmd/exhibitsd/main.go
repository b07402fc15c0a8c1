package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/app"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/auth"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/config"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/deferred"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/lock"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/logging"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/media"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/ordering"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/publication"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(logging.Options{Service: "exhibitsd"})
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "exhibitsd",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checks := map[string]func(context.Context) error{}

	records, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var public, preview search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, []string{cfg.MeiliIndex, cfg.MeiliPreviewIndex}, logger)
		defer meiliClient.Close()
		public, preview = meiliClient.Index(cfg.MeiliIndex), meiliClient.Index(cfg.MeiliPreviewIndex)
		checks["search"] = func(context.Context) error {
			if !meiliClient.Healthy() {
				return search.ErrUnavailable
			}
			return nil
		}
	} else {
		logger.Warn().Msg("MEILI_URL empty, using in-process index")
		public, preview = search.NewMemoryIndex(), search.NewMemoryIndex()
	}

	var queue deferred.Queue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisQueue, err := deferred.NewRedisQueue(ctx, cfg.RedisURL, cfg.DeferredKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisQueue.Close()
		queue = redisQueue
		checks["deferred"] = redisQueue.Ping
	} else {
		logger.Warn().Msg("REDIS_URL empty, deferred tasks do not survive a restart")
		queue = deferred.NewMemoryQueue()
	}

	var objects media.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := media.NewMinioStore(media.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("media store setup failed")
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.MinioBucket).Msg("media bucket unavailable")
		}
		objects = minioStore
		checks["media"] = minioStore.Ping
	} else {
		objects = media.NewMemoryStore()
	}

	syncer := search.NewSynchronizer(public, preview, records, cfg.PublishConcurrency, logger)
	service := app.New(app.Deps{
		Store:          records,
		Locks:          lock.NewManager(records, cfg.LockTTL, lock.WithLogger(logger)),
		Orders:         ordering.NewManager(records, cfg.PublishConcurrency, logger),
		Publisher:      publication.NewPublisher(records, syncer, publication.Options{Concurrency: cfg.PublishConcurrency, Compensate: cfg.PublishCompensate}, logger),
		Index:          syncer,
		Queue:          queue,
		Media:          objects,
		Logger:         logger,
		RepublishDelay: cfg.RepublishDelay,
		Checks:         checks,
	})

	worker := deferred.NewWorker(queue, service.HandleTask, cfg.DeferredPollInterval, logger)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("deferred worker stopped")
		}
	}()

	var serverOpts []app.ServerOption
	if cfg.GatewayJWTSecret != "" {
		serverOpts = append(serverOpts, app.WithTokenVerifier(auth.NewVerifier(cfg.GatewayJWTSecret)))
	} else {
		logger.Warn().Msg("GATEWAY_JWT_SECRET empty, trusting X-User-ID and X-User-Role headers")
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger, serverOpts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("exhibits API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, func()) {
	if cfg.InMemoryStore() {
		logger.Warn().Msg("DATABASE_URL=memory, content is not persisted")
		return store.NewMemoryStore(), func() {}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("migrations applied")
	}
	return store.NewPostgresStore(db, cfg.StoreQueryTimeout), func() { _ = db.Close() }
}
