package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/cortex/internal/activity"
	"github.com/nidhogg/cortex/internal/api"
	"github.com/nidhogg/cortex/internal/approval"
	"github.com/nidhogg/cortex/internal/checkpoint"
	"github.com/nidhogg/cortex/internal/config"
	"github.com/nidhogg/cortex/internal/embedding"
	"github.com/nidhogg/cortex/internal/memory"
	pgstore "github.com/nidhogg/cortex/internal/store"
	"github.com/nidhogg/cortex/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting cortex...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/cortex.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// PostgreSQL: the durable home of all four collections.
	base, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	if err := base.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Qdrant: the ANN index behind memory retrieval.
	index, err := vectorstore.NewClient(vectorstore.Config{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if err != nil {
		logger.Fatal("qdrant unavailable", zap.Error(err))
	}

	embedder := embedding.NewProvider(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	memories := memory.NewStore(base, index, cfg.Database.Qdrant.Collection, cfg.Embedding.Dimension, logger)
	if err := memories.Init(context.Background()); err != nil {
		logger.Fatal("memory index init failed", zap.Error(err))
	}

	checkpoints := checkpoint.NewStore(base, logger)
	gate := approval.NewGate(base, logger)
	audit := activity.NewLog(base, logger)

	sweeper := approval.NewSweeper(gate, time.Duration(cfg.Approval.SweepInterval), logger)
	sweeper.Start()

	handler := api.NewHandler(gate, memories, audit, checkpoints, embedder, time.Duration(cfg.Approval.DefaultTTL), logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("cortex listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down cortex...")
	sweeper.Stop()
	srv.Shutdown(context.Background())
	index.Close()
	base.Close()
}
