package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subtitlepipe/pkg/storage"
	"subtitlepipe/worker/config"
	"subtitlepipe/worker/events"
	"subtitlepipe/worker/executor"
	"subtitlepipe/worker/kafka"
	"subtitlepipe/worker/repository"
	"subtitlepipe/worker/transcriber"
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
	logger = logger.With(zap.String("worker_id", cfg.WorkerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := connectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
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

	consumer, err := kafka.NewConsumer(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Fatal("kafka consumer init failed", zap.Error(err))
	}
	defer consumer.Close()

	exec := executor.New(
		repository.NewPostgresJobStore(pool),
		blob,
		events.NewPublisher(redisClient, logger),
		transcriber.New(cfg.TranscriberBin, logger),
		executor.Config{
			ScratchDir:    cfg.ScratchDir,
			ScratchTTL:    cfg.ScratchTTL,
			Lease:         cfg.LeaseDuration,
			LocalAttempts: cfg.LocalAttempts,
			LocalInterval: cfg.LocalInterval,
			WorkerID:      cfg.WorkerID,
		},
		logger,
	)

	logger.Info("worker started",
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group", cfg.KafkaGroupID),
	)

	for {
		if err := consumer.Consume(ctx, cfg.KafkaTopic, exec.Handle); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error("consume loop error", zap.Error(err))
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			break
		}
	}

	logger.Info("worker stopped")
}

func connectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
