package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credhub/credhub-api/internal/config"
	"github.com/credhub/credhub-api/internal/domain/clienttoken"
	"github.com/credhub/credhub-api/internal/domain/generation"
	"github.com/credhub/credhub-api/internal/domain/order"
	"github.com/credhub/credhub-api/internal/domain/pricing"
	"github.com/credhub/credhub-api/internal/domain/sweep"
	"github.com/credhub/credhub-api/internal/domain/token"
	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/pkg/database"
	"github.com/credhub/credhub-api/internal/pkg/farm"
	"github.com/credhub/credhub-api/internal/pkg/logger"
	"github.com/credhub/credhub-api/internal/pkg/pix"
	"github.com/credhub/credhub-api/internal/pkg/queue"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().Msg("Starting sweeper")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	farmClient := farm.NewClient(farm.Config{
		BaseURL: cfg.FarmBaseURL,
		Token:   cfg.FarmToken,
		Timeout: time.Duration(cfg.FarmTimeoutSeconds) * time.Second,
	})
	pixClient := pix.NewClient(pix.Config{
		BaseURL: cfg.PixBaseURL,
		APIKey:  cfg.PixAPIKey,
	})

	prices := pricing.Default()

	walletService := wallet.NewService(wallet.NewRepository(db))
	tokenService := token.NewService(token.NewRepository(db))
	clientTokenService := clienttoken.NewService(clienttoken.NewRepository(db), walletService, prices)

	// The sweeper never publishes wake-ups, it is the one being woken
	generationService := generation.NewService(
		generation.NewRepository(db),
		farmClient,
		walletService,
		tokenService,
		clientTokenService,
		prices,
		cfg.ConcurrencyCeiling,
		nil,
	)
	orderService := order.NewService(order.NewRepository(db), pixClient, walletService, tokenService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	notifier := queue.NewNotifier(rdb)
	wake, stopListening := notifier.Listen(ctx)
	defer stopListening()

	sweeper := sweep.New(generationService, orderService, sweep.Config{
		Interval:          cfg.SweepInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		BatchSize:         cfg.SweepBatchSize,
	}, wake)

	sweeper.Run(ctx)
}
