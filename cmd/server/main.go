package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/popkeyd/popkeyd/internal/auth"
	"github.com/popkeyd/popkeyd/internal/config"
	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/handler"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/metrics"
	"github.com/popkeyd/popkeyd/internal/middleware"
	"github.com/popkeyd/popkeyd/internal/queue"
	"github.com/popkeyd/popkeyd/internal/repository"
	"github.com/popkeyd/popkeyd/internal/router"
	"github.com/popkeyd/popkeyd/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting popkeyd server")

	// Register lifecycle metrics
	if err := metrics.Register(nil); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	popKeyRepo := repository.NewPopKeyRepository(db)
	assertionRepo := repository.NewAssertionRepository(db)

	// Initialize consumer auth token service
	tokenSvc, err := auth.NewTokenService(cfg.JWT)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token service")
	}
	log.Info().Str("issuer", cfg.JWT.Issuer).Msg("token service initialized")

	// Initialize services
	lifecycleSvc := service.NewLifecycleService(popKeyRepo, assertionRepo, log)
	lcParamsSvc := service.NewLCParamsService(popKeyRepo, tokenSvc, cfg.Keys.ExpireGracePeriodDays, log)
	assertionSvc := service.NewAssertionService(popKeyRepo, assertionRepo, log)

	// Start the revocation queue consumer
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	consumer := queue.NewConsumer(rdb, lifecycleSvc, cfg.Queue, log)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil {
			log.Error().Err(err).Msg("revocation consumer exited")
		}
	}()
	log.Info().Str("queue", cfg.Queue.Name).Msg("revocation consumer started")

	// Initialize handlers
	revocations := queue.NewPublisher(rdb, cfg.Queue)
	h := handler.New(db, rdb, log, cfg, lifecycleSvc, lcParamsSvc, assertionSvc, revocations)

	// Initialize middleware
	mw := middleware.New(rdb, log, cfg)

	// Set up router
	r := router.New(h, mw, log, tokenSvc)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	// Stop the consumer after in-flight requests have drained
	stopConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		log.Warn().Msg("revocation consumer did not stop in time")
	}

	log.Info().Msg("server stopped")
}
