package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/olivelliott/realtime-pm/internal/api"
	"github.com/olivelliott/realtime-pm/internal/config"
	"github.com/olivelliott/realtime-pm/internal/events"
	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/store"
)

func main() {
	// Load .env file if exists
	godotenv.Load()

	cfg := config.Load()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional snapshot store for room inspection
	var db *store.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect to database: %v", err)
		}
		defer db.Close()
	}

	// Optional firehose tail feeding the recent-events ring
	var ring *events.Ring
	if cfg.RedisURL != "" {
		subscriber, err := events.NewSubscriber(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("connect to Redis: %v", err)
		}
		defer subscriber.Close()

		ring = events.NewRing(256)
		go subscriber.Run(ring.Add)
	}

	r := gin.Default()

	// CORS configuration - allow all origins for development
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is *
		MaxAge:           12 * time.Hour,
	}))

	handler := api.NewHandler(db, ring)
	handler.RegisterRoutes(r)

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		logger.Info("API server starting on port %s", port)
		if err := r.Run(":" + port); err != nil {
			logger.Fatal("start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()
}
