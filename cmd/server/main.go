// Command server runs the risk engine behind an HTTP API, wired the way
// the teacher's own main.go wires its ScoringEngine: read a handful of
// environment variables, build the engine, mount it on a router, and shut
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fcaptcha/riskengine/httpadapter"
	"github.com/fcaptcha/riskengine/pow"
	"github.com/fcaptcha/riskengine/ratelimiter"
	"github.com/fcaptcha/riskengine/riskengine"
	"github.com/fcaptcha/riskengine/rlog"
	"github.com/fcaptcha/riskengine/rmetrics"
	"github.com/fcaptcha/riskengine/store/redisbackend"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	secret := os.Getenv("RISKENGINE_SECRET")
	if secret == "" {
		secret = "dev-secret-change-in-production"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	redisURL := os.Getenv("REDIS_URL")

	logger, err := rlog.New(&rlog.Config{
		Level:       envOr("LOG_LEVEL", "info"),
		ServiceName: "riskengine",
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	rateLimitCfg := ratelimiter.Config{}
	var redisClient *redis.Client
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		rateLimitCfg.Backend = redisbackend.New(redisClient, "riskengine-ratelimit")
		logger.Info("Redis rate-limit backend configured for CheckDistributed; Evaluate uses the local limiter")
	}

	metrics := rmetrics.NewCollector()

	engine := riskengine.New(riskengine.Config{
		RateLimit: rateLimitCfg,
		Logger:    logger,
		Metrics:   metrics,
	})
	defer engine.Close()

	powStore := pow.NewStore()
	defer powStore.Close()

	router := httpadapter.NewRouter(httpadapter.Config{
		Engine:         engine,
		Logger:         logger,
		AllowedOrigins: splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		Secret:         secret,
		PoW:            powStore,
	})

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("risk engine server starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
