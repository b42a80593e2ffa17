package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"payments_service/internal/app"
	"payments_service/internal/config"
	"payments_service/internal/events"
	"payments_service/internal/http/middleware"
	"payments_service/internal/logger"
	"payments_service/internal/memstore"
	"payments_service/internal/metrics"
	"payments_service/internal/schema"
	"payments_service/internal/store"
	"payments_service/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("Failed to load config: %v", err)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing, log)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	var backend *app.Backend
	if cfg.Storage.Driver == "memory" {
		log.Warn("Using in-memory storage, data is lost on restart")
		backend = app.MemoryBackend(memstore.New())
	} else {
		db, err := store.Open(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := schema.Migrate(db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		backend, err = app.PostgresBackend(db, cfg.Database, m, log)
		if err != nil {
			log.Fatalf("Failed to build storage: %v", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}
	defer publisher.Close()

	limiterStore, err := middleware.NewLimiterStore(cfg.RateLimit)
	if err != nil {
		log.Fatalf("Failed to init rate limiter: %v", err)
	}

	gw, err := app.NewGatewayClient(cfg.Gateway)
	if err != nil {
		log.Fatalf("Failed to init payment gateway: %v", err)
	}

	a, err := app.New(cfg, app.Deps{
		Backend:      backend,
		Gateway:      gw,
		Publisher:    publisher,
		Metrics:      m,
		LimiterStore: limiterStore,
		Log:          log,
	})
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.Engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Errorf("Failed to flush traces: %v", err)
	}
	log.Info("Server exited")
}
