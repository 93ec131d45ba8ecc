/**
 * @description
 * This is the main entry point for the settlement-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the reward provider chain,
 * and starts the HTTP server, the charity batch scheduler and the batch command
 * consumer.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: receipt rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/giftcardclient, pkg/rewardlinkclient, pkg/sandboxreward: reward providers.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/groupgift/settlement-service/internal/api"
	"github.com/groupgift/settlement-service/internal/app"
	"github.com/groupgift/settlement-service/internal/config"
	"github.com/groupgift/settlement-service/internal/money"
	"github.com/groupgift/settlement-service/internal/store"
	"github.com/groupgift/settlement-service/pkg/giftcardclient"
	rmrabbit "github.com/groupgift/settlement-service/pkg/rabbitmq"
	"github.com/groupgift/settlement-service/pkg/rewardlinkclient"
	"github.com/groupgift/settlement-service/pkg/rewards"
	"github.com/groupgift/settlement-service/pkg/sandboxreward"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting settlement-service", "port", cfg.ServerPort, "reward_provider_mode", cfg.RewardProviderMode)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	var publisher rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	var receiptLimiter api.RateLimiter
	if cfg.ReceiptRateLimitPerMinute > 0 {
		if redisClient := connectRedis(logger, cfg.RedisURL); redisClient != nil {
			defer redisClient.Close()
			receiptLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
		}
	}

	issuers, closeIssuers, err := buildRewardIssuers(cfg, logger)
	if err != nil {
		logger.Error("failed to build reward providers", "error", err)
		os.Exit(1)
	}
	defer closeIssuers()

	feePercent, feeFlat := cfg.Fees()
	fees, err := money.NewFeeCalculator(feePercent, feeFlat)
	if err != nil {
		logger.Error("invalid fee configuration", "error", err)
		os.Exit(1)
	}

	repository := store.NewPostgresRepository(dbpool)
	notifier := app.NewEventNotifier(publisher, cfg.EventsExchange)
	chain := app.NewRewardChain(cfg.Currency, time.Duration(cfg.RewardTimeoutSeconds)*time.Second, issuers...)
	logger.Info("reward providers configured", "mode", cfg.RewardProviderMode, "providers", chain.Providers())

	settlementService := app.NewService(repository, fees, chain, notifier, logger)
	settlementService.SetReceiptBaseURL(cfg.ReceiptBaseURL)

	batcher := app.NewDonationBatcher(repository, notifier, logger, cfg.NotifyContributorsOnDonation)
	jobs := app.NewJobs(batcher, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; on-demand charity batches disabled", "error", err)
	} else {
		defer rabbitConsumer.Close()
		batchConsumer := app.NewBatchRequestConsumer(batcher, logger)
		bindings := map[string]func([]byte) bool{
			app.BatchRequestedRoutingKey: batchConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.BatchCommandQueue, bindings); err != nil {
			logger.Error("failed to start charity batch consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("charity batch consumer started", "queue", cfg.BatchCommandQueue)
	}

	handlers := api.NewSettlementHandlers(settlementService, batcher)
	router := api.NewRouter(handlers, api.RouterOptions{
		JWKSURL:                   cfg.ClerkJWKSURL,
		InternalAPIKey:            cfg.InternalAPIKey,
		ReceiptLimiter:            receiptLimiter,
		ReceiptRateLimitPerMinute: cfg.ReceiptRateLimitPerMinute,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	<-scheduler.Stop().Done()
	logger.Info("shutdown complete")
}

// connectRedis returns nil when Redis is not configured or not reachable.
func connectRedis(logger *slog.Logger, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; receipt rate limiting disabled")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; receipt rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; receipt rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// buildRewardIssuers returns the provider chain in configured order. Sandbox
// mode uses a single local issuer regardless of the order setting.
func buildRewardIssuers(cfg config.Config, logger *slog.Logger) ([]rewards.Issuer, func(), error) {
	minAmount, maxAmount := cfg.RewardLimits()
	limits := rewards.Limits{Min: minAmount, Max: maxAmount}
	timeout := time.Duration(cfg.RewardTimeoutSeconds) * time.Second

	if cfg.RewardProviderMode == config.ProviderModeSandbox {
		sandbox, err := sandboxreward.Open(cfg.SandboxRewardDBPath, limits)
		if err != nil {
			return nil, nil, fmt.Errorf("open sandbox reward store: %w", err)
		}
		return []rewards.Issuer{sandbox}, func() { sandbox.Close() }, nil
	}

	var issuers []rewards.Issuer
	for _, name := range cfg.ProviderOrder() {
		switch name {
		case giftcardclient.ProviderName:
			if strings.TrimSpace(cfg.GiftCardEndpoint) == "" {
				logger.Warn("gift card provider listed but not configured; skipping", "env", "GIFTCARD_ENDPOINT")
				continue
			}
			issuers = append(issuers, giftcardclient.NewClient(
				cfg.GiftCardEndpoint,
				cfg.GiftCardRegion,
				cfg.GiftCardPartnerID,
				cfg.GiftCardAccessKeyID,
				cfg.GiftCardSecretAccessKey,
				cfg.Currency,
				limits,
				timeout,
			))
		case rewardlinkclient.ProviderName:
			if strings.TrimSpace(cfg.RewardLinkBaseURL) == "" {
				logger.Warn("reward link provider listed but not configured; skipping", "env", "REWARDLINK_BASE_URL")
				continue
			}
			issuers = append(issuers, rewardlinkclient.NewClient(
				cfg.RewardLinkBaseURL,
				cfg.RewardLinkAPIKey,
				cfg.RewardLinkFundingSourceID,
				cfg.RewardLinkCampaignID,
				cfg.Currency,
				limits,
				timeout,
			))
		default:
			logger.Warn("unknown reward provider in order; skipping", "provider", name)
		}
	}
	if len(issuers) == 0 {
		logger.Warn("no live reward providers configured; gift cards and cash refunds will fail")
	}
	return issuers, func() {}, nil
}
