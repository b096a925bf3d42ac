package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCheckout))

	eventPublisher := broker.NewEventPublisher(producer)

	bootstrap := gateway.NewBootstrap(cfg.Payment.ScriptURL)
	listener := gateway.NewMessageListener(gateway.NewTrustedOriginFilter(cfg.Payment.TrustedOrigins, cfg.Server.Origin))
	gatewayClient := gateway.NewClient(cfg.Payment, bootstrap, listener)

	signatureVerifier := service.NewSignatureVerifier(cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.OnlinePaymentsEnabled())
	var verifier service.PaymentVerifier = signatureVerifier
	if cfg.Payment.VerifyURL != "" {
		verifier = service.NewHTTPVerifier(cfg.Payment.VerifyURL)
		logger.Info("Using remote payment verifier", zap.String("url", cfg.Payment.VerifyURL))
	}

	orchestrator := service.NewCheckoutOrchestrator(service.CheckoutDeps{
		Orders:   db,
		Sessions: db,
		Cart:     redisClient,
		Gateway:  gatewayClient,
		Verifier: verifier,
		Events:   eventPublisher,
		Lock:     redisclient.NewRedisLocker(redisClient),
	}, cfg.Checkout, cfg.Payment)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckout, cfg.Kafka.ConsumerGroup)
	reconciler := worker.NewReconciliationWorker(consumer, db, eventPublisher)
	go func() {
		if err := reconciler.Start(workerCtx); err != nil {
			logger.Error("Reconciliation worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewSessionSweeper(db, orchestrator.Attempts(), cfg.Checkout.SessionAbandonAfter, cfg.Checkout.AttemptTimeout)
	if err := sweeper.Start("@every 1m"); err != nil {
		logger.Fatal("Failed to start session sweeper", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Checkout: orchestrator,
		Cart:     redisClient,
		Orders:   db,
		Messages: listener,
		Verifier: signatureVerifier,
		Probes: []api.Probe{
			{Name: "postgres", Check: func(context.Context) error { return db.Ping() }},
			{Name: "redis", Check: redisClient.Ping},
		},
		SubmitWait:     cfg.Checkout.SubmitWait,
		AttemptTimeout: cfg.Checkout.AttemptTimeout,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	sweeper.Stop()
	workerCancel()
	if err := reconciler.Stop(); err != nil {
		logger.Error("Failed to close consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
