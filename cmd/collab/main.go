package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/olivelliott/realtime-pm/internal/collab"
	"github.com/olivelliott/realtime-pm/internal/config"
	"github.com/olivelliott/realtime-pm/internal/events"
	"github.com/olivelliott/realtime-pm/internal/logger"
	"github.com/olivelliott/realtime-pm/internal/ot"
	"github.com/olivelliott/realtime-pm/internal/store"
)

func main() {
	// Load .env file if exists
	godotenv.Load()

	cfg := config.Load()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schema, err := ot.DefaultSchema()
	if err != nil {
		logger.Fatal("build schema: %v", err)
	}

	// Optional snapshot persistence
	var snapshots collab.SnapshotStore
	var db *store.DB
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("connect to database: %v", err)
		}
		defer db.Close()
		snapshots = db
	}

	// Optional event firehose
	var sink events.Sink
	if cfg.RedisURL != "" {
		publisher, err := events.NewPublisher(ctx, cfg.RedisURL, uuid.New().String())
		if err != nil {
			logger.Fatal("connect to Redis: %v", err)
		}
		defer publisher.Close()
		sink = publisher
	}

	registry := collab.NewRegistry(ctx, schema, snapshots, sink, cfg.PresenceTTL)
	defer registry.CloseAll()

	server := collab.NewServer(registry, cfg.AuthRequired && cfg.JWTSecret != "")

	go registry.RunHeartbeat(ctx, cfg.HeartbeatInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"roomCount":%d}`, registry.RoomCount())
	})
	mux.HandleFunc("/ws", server.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("collaboration server starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed: %v", err)
	}

	cancel()
	logger.Info("server stopped")
}
