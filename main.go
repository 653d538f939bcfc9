package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reconcile-svc/cache"
	"reconcile-svc/channels"
	"reconcile-svc/config"
	"reconcile-svc/database"
	"reconcile-svc/dispatch"
	"reconcile-svc/grpc"
	"reconcile-svc/handlers"
	"reconcile-svc/idempotency"
	"reconcile-svc/kafka"
	"reconcile-svc/middleware"
	"reconcile-svc/notify"
	"reconcile-svc/poller"
	"reconcile-svc/reconcile"
	"reconcile-svc/store"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	var closers []io.Closer

	st, closer := openStore(cfg, logger)
	closers = append(closers, closer)

	// Redis is optional unless it holds the dedup records.
	var tokens channels.TokenStore = channels.NewMemoryTokenStore()
	var dedup idempotency.Backend = st
	redisClient, err := cache.InitRedis(cfg.Redis, logger)
	switch {
	case err == nil:
		closers = append(closers, redisClient)
		tokens = cache.NewTokenCache(redisClient)
		if cfg.DedupBackend == "redis" {
			dedup = idempotency.NewRedisBackend(redisClient)
		}
	case cfg.DedupBackend == "redis":
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	default:
		logger.Warn("Redis unavailable, gateway tokens cached in memory", zap.Error(err))
	}

	producer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	closers = append(closers, producer)

	consumer, err := kafka.InitConsumer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	closers = append(closers, consumer)

	inventory, err := grpc.InitInventoryClient(cfg.InventoryGRPC, cfg.PollTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Inventory gRPC client", zap.Error(err))
	}
	closers = append(closers, inventory)

	dispatcher := dispatch.New(st, []dispatch.Action{
		dispatch.NewSMSAction(notify.NewSMSClient(cfg.SMS, cfg.PollTimeout, logger)),
		dispatch.NewEmailAction(notify.NewEmailClient(cfg.Email, cfg.PollTimeout, logger)),
		dispatch.NewInventoryAction(inventory),
		dispatch.NewPublishAction(kafka.NewPublisher(producer, cfg.Kafka.OrderTopic, logger)),
	}, dispatch.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     cfg.Dispatch.Backoff,
		Lease:       cfg.Dispatch.Lease,
		Grace:       cfg.Dispatch.Grace,
	}, logger)

	guard := idempotency.NewGuard(dedup, cfg.DedupRetention, logger)
	engine := reconcile.NewEngine(st, guard, dispatcher, reconcile.Options{
		CashTolerance: cfg.CashTolerance,
		Currency:      cfg.Currency,
	}, logger)

	pesapal := channels.NewPesapal(cfg.Pesapal, cfg.PollTimeout, tokens, logger)
	paypal := channels.NewPayPal(cfg.PayPal, cfg.PollTimeout, tokens, logger)
	pesapalPoller := poller.New(st, pesapal, engine, poller.Options{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
		Rate:     cfg.PollRate,
	}, logger)

	ctx, stopBackground := context.WithCancel(context.Background())
	go guard.StartPurger(ctx, cfg.SweepInterval)
	go dispatcher.StartSweeper(ctx, cfg.SweepInterval)
	go pesapalPoller.Start(ctx)
	go func() {
		fulfillment := kafka.NewFulfillmentConsumer(consumer, cfg.Kafka.FulfillmentTopic, engine, logger)
		if err := fulfillment.Start(ctx); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	webhookHandler := handlers.NewWebhookHandler(engine, logger)
	paymentHandler := handlers.NewPaymentHandler(engine, pesapal, pesapalPoller, paypal, logger)
	router.POST("/webhooks/mtn", webhookHandler.Push(channels.NewMTNWebhook(cfg.MTN)))
	router.POST("/webhooks/airtel", webhookHandler.Push(channels.NewAirtelWebhook(cfg.Airtel)))
	router.GET("/webhooks/pesapal/ipn", paymentHandler.PesapalIPN)
	router.POST("/webhooks/pesapal/ipn", paymentHandler.PesapalIPN)

	router.POST("/payments/pesapal/:id/initiate", paymentHandler.InitiatePesapal)
	router.GET("/payments/pesapal/:id/status", paymentHandler.PesapalStatus)
	router.POST("/payments/paypal/:id/initiate", paymentHandler.InitiatePayPal)
	router.POST("/payments/paypal/:id/capture", paymentHandler.CapturePayPal)

	orderHandler := handlers.NewOrderHandler(engine, logger)
	router.POST("/orders", orderHandler.CreateOrder)
	router.GET("/orders/:id", orderHandler.GetOrder)

	adminHandler := handlers.NewAdminHandler(engine, st, dispatcher, logger)
	admin := router.Group("/admin", middleware.AuthMiddleware([]byte(cfg.JWTSecret)))
	{
		admin.POST("/payments/manual", adminHandler.ManualPayment)
		admin.POST("/payments/cash", adminHandler.CashPayment)
		admin.POST("/orders/:id/ship", adminHandler.Ship)
		admin.POST("/orders/:id/deliver", adminHandler.Deliver)
		admin.POST("/orders/:id/cancel", adminHandler.Cancel)
		admin.GET("/rejections", adminHandler.ListRejections)
		admin.POST("/rejections/:rid/resolve", adminHandler.ResolveRejection)
		admin.GET("/dispatches/failed", adminHandler.FailedDispatches)
		admin.POST("/dispatches/:id/:status/retry", adminHandler.RetryDispatch)
	}

	restSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Reconcile Service REST API started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
		zap.String("dedup", cfg.DedupBackend),
	)

	gracefulShutdown(restSrv, stopBackground, dispatcher, closers, shutdownTracing, logger)
}

// openStore returns the configured order ledger and what closes it.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, io.Closer) {
	if cfg.StoreDriver == "bolt" {
		st, err := store.NewBoltStore(cfg.BoltPath, logger)
		if err != nil {
			logger.Fatal("Failed to open Bolt store", zap.Error(err))
		}
		return st, st
	}

	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	return store.NewPostgresStore(db, logger), db
}

// gracefulShutdown handles SIGINT/SIGTERM. In-flight dispatches finish
// before their dependencies are closed; anything cut short is picked up by
// the sweeper on the next start.
func gracefulShutdown(
	restSrv *http.Server,
	stopBackground context.CancelFunc,
	dispatcher *dispatch.Dispatcher,
	closers []io.Closer,
	shutdownTracing func(),
	logger *zap.Logger,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	} else {
		logger.Info("REST server stopped gracefully")
	}

	stopBackground()

	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Pending dispatches finished")
	case <-ctx.Done():
		logger.Warn("Timed out waiting for dispatches")
	}

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
		}
	}

	shutdownTracing()
	logger.Info("Service stopped")
}
