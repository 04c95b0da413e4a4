// Command server is the composition root: it loads configuration,
// wires the store/bus/engine/registry/router together, and runs the
// HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/colabtext/collabtext/internal/auth"
	"github.com/colabtext/collabtext/internal/bus"
	"github.com/colabtext/collabtext/internal/engine"
	"github.com/colabtext/collabtext/internal/httpapi"
	"github.com/colabtext/collabtext/internal/metrics"
	"github.com/colabtext/collabtext/internal/registry"
	"github.com/colabtext/collabtext/internal/store"
	"github.com/colabtext/collabtext/internal/store/gormstore"
	"github.com/colabtext/collabtext/pkg/logger"
)

// Config holds one field per environment-driven setting.
type Config struct {
	Port          string
	RedisAddr     string
	PostgresDSN   string
	SQLitePath    string
	LeaseTTL      time.Duration
	JWTSecret     string
	ShutdownGrace time.Duration
}

func loadConfig() Config {
	return Config{
		Port:          getEnv("PORT", "3030"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		SQLitePath:    getEnv("SQLITE_PATH", "collabtext.db"),
		LeaseTTL:      time.Duration(getEnvInt("LEASE_TTL_SECONDS", 30)) * time.Second,
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		ShutdownGrace: time.Duration(getEnvInt("SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,
	}
}

func main() {
	// Load .env if present; real deployments set env vars directly.
	_ = godotenv.Load()

	logger.Init()
	defer logger.Sync()

	config := loadConfig()
	logger.Info("Starting collabtext server...")
	logger.Info("Port: %s", config.Port)

	txStore, err := openStore(config)
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		os.Exit(1)
	}

	b, err := bus.New(&redis.Options{Addr: config.RedisAddr})
	if err != nil {
		logger.Error("Failed to connect to redis at %s: %v", config.RedisAddr, err)
		os.Exit(1)
	}
	defer b.Close()

	m := metrics.Initialize()

	eng := engine.New(b, txStore, config.LeaseTTL)
	eng.Metrics = m

	reg := registry.New()
	resolver := auth.NewJWTResolver([]byte(config.JWTSecret))

	router := httpapi.NewRouter(&httpapi.Server{
		Bus:      b,
		Engine:   eng,
		Store:    txStore,
		Registry: reg,
		Auth:     resolver,
		Metrics:  m,
	})

	srv := &http.Server{
		Addr:    ":" + config.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown: %v", err)
	}
}

// openStore picks Postgres (with golang-migrate migrations, run by
// the operator via cmd/migrate) when POSTGRES_DSN is set, falling back
// to the pure-Go sqlite path for single-node/dev deployments.
func openStore(config Config) (store.TxStore, error) {
	if config.PostgresDSN != "" {
		logger.Info("Store backend: postgres")
		return gormstore.OpenPostgres(config.PostgresDSN)
	}
	logger.Info("Store backend: sqlite (%s)", config.SQLitePath)
	return gormstore.OpenSQLite(config.SQLitePath)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
