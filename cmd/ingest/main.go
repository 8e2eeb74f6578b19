package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/docshare/vault/internal/config"
	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/internal/storage"
	"github.com/docshare/vault/pkg/logger"
	"github.com/joho/godotenv"
)

// ingest runs the merge and replication loop without the HTTP surface. Run
// one per machine that receives chunks.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init("ingest", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	content, err := storage.NewContentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("content store initialization failed: %v", err)
	}

	accounting := services.NewAccountingService(db)
	tree := services.NewTreeService(db, accounting)
	pipeline := services.NewPipeline(
		db,
		tree,
		storage.NewChunkStore(cfg.Storage.ChunkRoot),
		content,
		cfg.Ingest.PollInterval,
		cfg.Ingest.MergeBufferSize,
	)

	if err := pipeline.Run(ctx); err != nil {
		log.Fatalf("pipeline stopped: %v", err)
	}
}
