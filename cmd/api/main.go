package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vaultsync/api/internal/app"
	"vaultsync/api/internal/auth"
	"vaultsync/api/internal/config"
	"vaultsync/api/internal/logger"
	"vaultsync/api/internal/ratelimit"
	"vaultsync/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(0).Fatal("invalid configuration", "error", err)
	}
	log := logger.New(cfg.LogLevel)
	ctx := context.Background()

	verifier, err := auth.NewVerifier(cfg.APIKey, cfg.APIKeyHash)
	if err != nil {
		log.Fatal("invalid API key configuration", "error", err)
	}

	var service *app.Service
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", "error", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db); err != nil {
			log.Fatal("migrations failed", "error", err)
		}
		service = app.New(store.NewPostgresStore(db))
	} else {
		log.Warn("no DATABASE_URL configured, using in-memory store")
		service = app.New(store.NewMemoryStore())
	}

	var limiter app.RateLimiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateLimit, cfg.RateLimitWindow)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
	}

	httpServer := app.NewHTTPServer(service, verifier, limiter, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("VaultSync API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
