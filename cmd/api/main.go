package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/credhub/credhub-api/internal/config"
	"github.com/credhub/credhub-api/internal/domain/clienttoken"
	"github.com/credhub/credhub-api/internal/domain/generation"
	"github.com/credhub/credhub-api/internal/domain/order"
	"github.com/credhub/credhub-api/internal/domain/pricing"
	"github.com/credhub/credhub-api/internal/domain/token"
	"github.com/credhub/credhub-api/internal/domain/wallet"
	"github.com/credhub/credhub-api/internal/middleware"
	"github.com/credhub/credhub-api/internal/pkg/database"
	"github.com/credhub/credhub-api/internal/pkg/farm"
	"github.com/credhub/credhub-api/internal/pkg/jwt"
	"github.com/credhub/credhub-api/internal/pkg/logger"
	"github.com/credhub/credhub-api/internal/pkg/metrics"
	"github.com/credhub/credhub-api/internal/pkg/pix"
	"github.com/credhub/credhub-api/internal/pkg/queue"
	pkgresponse "github.com/credhub/credhub-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting CredHub API")

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

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	farmClient := farm.NewClient(farm.Config{
		BaseURL: cfg.FarmBaseURL,
		Token:   cfg.FarmToken,
		Timeout: time.Duration(cfg.FarmTimeoutSeconds) * time.Second,
	})
	pixClient := pix.NewClient(pix.Config{
		BaseURL:       cfg.PixBaseURL,
		APIKey:        cfg.PixAPIKey,
		WebhookSecret: cfg.PixWebhookSecret,
	})

	prices := pricing.Default()

	// ---------- Repositories ----------
	walletRepo := wallet.NewRepository(db)
	tokenRepo := token.NewRepository(db)
	clientTokenRepo := clienttoken.NewRepository(db)
	generationRepo := generation.NewRepository(db)
	orderRepo := order.NewRepository(db)

	// ---------- Services ----------
	walletService := wallet.NewService(walletRepo)
	tokenService := token.NewService(tokenRepo)
	clientTokenService := clienttoken.NewService(clientTokenRepo, walletService, prices)

	var waker generation.Waker
	if notifier := queue.NewNotifier(rdb); notifier != nil {
		waker = notifier
	}
	generationService := generation.NewService(
		generationRepo,
		farmClient,
		walletService,
		tokenService,
		clientTokenService,
		prices,
		cfg.ConcurrencyCeiling,
		waker,
	)
	orderService := order.NewService(orderRepo, pixClient, walletService, tokenService)

	// ---------- Handlers ----------
	walletHandler := wallet.NewHandler(walletService)
	tokenHandler := token.NewHandler(tokenService)
	clientTokenHandler := clienttoken.NewHandler(clientTokenService, generationService)
	generationHandler := generation.NewHandler(generationService)
	orderHandler := order.NewHandler(orderService, cfg.PixWebhookSecret)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/generations", generationHandler.Routes(authMiddleware))
		r.Mount("/farm", generationHandler.FarmRoutes())
		r.Mount("/client", generationHandler.ClientRoutes())
		r.Mount("/wallet", walletHandler.Routes(authMiddleware))
		r.Mount("/client-tokens", clientTokenHandler.Routes(authMiddleware))
		r.Mount("/orders", orderHandler.Routes(authMiddleware))
		r.Mount("/webhooks", orderHandler.WebhookRoutes())

		r.Route("/admin", func(r chi.Router) {
			r.Mount("/tokens", tokenHandler.Routes(authMiddleware, middleware.AdminOnly))
			r.Mount("/", generationHandler.AdminRoutes(authMiddleware, middleware.AdminOnly))
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
