package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amethystlabs/amethyst-backend/internal/api"
	"github.com/amethystlabs/amethyst-backend/internal/config"
	"github.com/amethystlabs/amethyst-backend/internal/handler"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/kafka"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/redis"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/replicate"
	"github.com/amethystlabs/amethyst-backend/internal/infrastructure/stripe"
	"github.com/amethystlabs/amethyst-backend/internal/observability"
	core "github.com/amethystlabs/amethyst-backend/internal/repository/postgres"
	service "github.com/amethystlabs/amethyst-backend/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown, _ := observability.Setup("amethyst-backend")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	accountRepo := core.NewPostgresAccountRepository(db)
	ledgerRepo := core.NewPostgresLedgerRepository(db)
	generationRepo := core.NewPostgresGenerationRepository(db)

	redisClient := redis.NewClient(cfg.RedisAddr)
	defer redisClient.Close()

	kafkaProducer := kafka.NewProducer(cfg.KafkaBrokers)
	defer kafkaProducer.Close()

	// Provider clients are built once here and injected; nothing downstream
	// lazily initializes them.
	replicateClient := replicate.NewClient(cfg.ReplicateBaseURL, cfg.ReplicateToken, cfg.ReplicateModel)
	stripeClient := stripe.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	ledgerSvc := service.NewLedgerService(ledgerRepo, accountRepo, redisClient, kafkaProducer)
	accountSvc := service.NewAccountService(accountRepo, ledgerSvc, redisClient, kafkaProducer, cfg.JWTSecret)
	generationSvc := service.NewGenerationService(ledgerSvc, generationRepo, replicateClient, kafkaProducer, cfg.GenerationTimeout)
	paymentSvc := service.NewPaymentService(stripeClient, ledgerSvc, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	reconciliation := kafka.NewReconciliationConsumer(cfg.KafkaBrokers, "reconciliation", "amethyst-reconciliation", ledgerSvc)
	go reconciliation.Consume(consumerCtx)
	defer reconciliation.Close()

	h := handler.NewHandler(accountSvc, ledgerSvc, generationSvc, paymentSvc)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
