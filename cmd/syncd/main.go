package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"livesync/sync/internal/auth"
	"livesync/sync/internal/bus"
	"livesync/sync/internal/config"
	"livesync/sync/internal/presence"
	"livesync/sync/internal/session"
	"livesync/sync/internal/store"
	"livesync/sync/internal/ws"
)

// busAdapter narrows the broker's concrete subscription to the
// registry's interface.
type busAdapter struct {
	*bus.Bus
}

func (a busAdapter) Subscribe(ctx context.Context, documentID string, handler func([]byte)) (session.Subscription, error) {
	return a.Bus.Subscribe(ctx, documentID, handler)
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancel()

	broker := bus.NewWithClient(redisClient)
	tracker := presence.NewWithClient(redisClient)

	registry := session.NewRegistry(dataStore, dataStore, busAdapter{broker}, tracker, dataStore)
	defer registry.Close()

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret))
	wsServer := ws.NewServer(registry, verifier, dataStore, broker, cfg.WriteTimeout, cfg.MaxMessageBytes)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           wsServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("sync server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
