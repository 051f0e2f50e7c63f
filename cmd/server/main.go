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

	"leadflow/config"
	"leadflow/internal/api"
	"leadflow/internal/broker"
	"leadflow/internal/clients"
	"leadflow/internal/mail"
	"leadflow/internal/redisclient"
	"leadflow/internal/service"
	"leadflow/internal/store"
	"leadflow/internal/util"
	"leadflow/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting leadflow service")

	tp, err := util.InitTracer("leadflow", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPipeline)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	paymentProvider := clients.NewPaymentProviderClient(
		cfg.Payment.BaseURL, cfg.Payment.AccessToken, cfg.Payment.Timeout)
	enrichWorker := clients.NewEnrichmentWorkerClient(
		cfg.Worker.URL, cfg.Worker.Secret, cfg.Worker.Timeout)
	scraper := clients.NewScraperClient(
		cfg.Scraper.BaseURL, cfg.Scraper.Token, cfg.Scraper.Timeout)

	emailChannel := mail.NewEmailChannel(
		cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From)
	var webhookChannel service.DeliveryChannel
	if cfg.Delivery.WebhookURL != "" {
		webhookChannel = clients.NewWebhookChannel(
			cfg.Delivery.WebhookURL, cfg.Delivery.WebhookSecret, 0)
	}

	matcher := service.NewMatcher(db)
	limiter := service.NewWorkerLimiter(
		redisClient, cfg.Pipeline.RateLimitWindow, int64(cfg.Pipeline.RateLimitMax), 0)

	deliveryService := service.NewDeliveryService(
		db, matcher, emailChannel, webhookChannel, redisClient, eventPublisher,
		service.DeliveryConfig{
			RequireEmail:        cfg.Delivery.RequireEmail,
			DownloadTTL:         cfg.Delivery.DownloadTTL,
			OverfetchMultiplier: cfg.Pipeline.OverfetchMultiplier,
			OverfetchFloor:      cfg.Pipeline.OverfetchFloor,
		})

	enrichmentService := service.NewEnrichmentService(
		db, matcher, enrichWorker, limiter, eventPublisher, deliveryService,
		service.EnrichmentConfig{
			MaxRetries:          cfg.Pipeline.MaxRetries,
			BatchCap:            cfg.Pipeline.BatchCap,
			OverfetchMultiplier: cfg.Pipeline.OverfetchMultiplier,
			OverfetchFloor:      cfg.Pipeline.OverfetchFloor,
			WorkerTimeout:       cfg.Worker.Timeout,
		})

	paymentService := service.NewPaymentService(
		db, paymentProvider, eventPublisher, enrichmentService, deliveryService)

	aggregatorService := service.NewAggregatorService(db, scraper, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pipelineConsumer := broker.NewConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.TopicPipeline, cfg.Kafka.ConsumerGroup)
	pipelineWorker := worker.NewPipelineWorker(pipelineConsumer, enrichmentService, deliveryService)
	go func() {
		if err := pipelineWorker.Start(workerCtx); err != nil {
			log.Printf("Pipeline worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(
		paymentService, enrichmentService, deliveryService, aggregatorService,
		db, cfg.Worker.CallbackSecret)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	pipelineWorker.Stop()

	log.Println("Server exited")
}
