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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"subtitlepipe/api/bridge"
	"subtitlepipe/api/cache"
	"subtitlepipe/api/config"
	"subtitlepipe/api/database"
	"subtitlepipe/api/handlers"
	"subtitlepipe/api/kafka"
	"subtitlepipe/api/middleware"
	"subtitlepipe/api/repository"
	"subtitlepipe/api/service"
	"subtitlepipe/api/ws"
	"subtitlepipe/pkg/storage"
)

func main() {
	// .env is optional; container deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer redisClient.Close()

	blob, err := storage.New(storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.MinioBucket,
	}, logger)
	if err != nil {
		logger.Fatal("object storage connect failed", zap.Error(err))
	}
	blob.SetVerifyPolicy(cfg.VerifyAttempts, cfg.VerifyInterval)

	producer, err := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
	if err != nil {
		logger.Fatal("kafka producer init failed", zap.Error(err))
	}
	defer producer.Close()

	repo := repository.NewPostgresRepo(db)
	statusCache := cache.NewStatusCache(redisClient)
	fetcher := service.NewFetcher(logger)
	mediaService := service.NewMediaService(
		repo, blob, statusCache, producer, fetcher,
		cfg.KafkaTopic, cfg.PresignTTL, cfg.ProcessToken, cfg.LocalStagingDir, logger,
	)

	hub := ws.NewHub(logger)
	go hub.Run()

	events := bridge.NewRedisEvents(redisClient, logger)
	eventBridge := bridge.New(events, repo, statusCache, hub, logger)
	go eventBridge.Run(ctx)

	reaper := bridge.NewReaper(repo, events, cfg.ReapInterval, logger)
	go reaper.Run(ctx)

	mediaHandler := handlers.NewMediaHandler(mediaService, hub, cfg.MaxUploadSize, logger)

	apiMux := http.NewServeMux()
	mediaHandler.Register(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/api/media/", middleware.Auth(tokenVerifier(cfg.AuthTokens))(apiMux))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := middleware.TraceID(middleware.Logging(logger)(middleware.Recovery(logger)(mux)))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  0, // large uploads stream at client pace
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}

// tokenVerifier builds a Verifier from "token:owner" pairs. With no pairs
// configured (development), any non-empty token names its own owner.
func tokenVerifier(spec string) middleware.Verifier {
	pairs := make(map[string]string)
	for _, part := range strings.Split(spec, ",") {
		if token, owner, ok := strings.Cut(strings.TrimSpace(part), ":"); ok {
			pairs[token] = owner
		}
	}

	return func(token string) (string, bool) {
		if len(pairs) == 0 {
			return token, token != ""
		}
		owner, ok := pairs[token]
		return owner, ok
	}
}
