package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/docshare/vault/internal/config"
	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/handlers"
	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/internal/storage"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init("server", cfg.Log.Level)
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

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
	chunks := storage.NewChunkStore(cfg.Storage.ChunkRoot)

	accounting := services.NewAccountingService(db)
	tree := services.NewTreeService(db, accounting)
	orgs := services.NewOrganizationService(db, tree, cfg.Ingest.DefaultQuota)
	deposits := services.NewDepositService(db, tree, orgs, chunks)

	app := fiber.New(fiber.Config{BodyLimit: cfg.Server.BodyLimit})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.AllowOrigins))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	handlers.RegisterRoutes(app, handlers.Services{
		DB:       db,
		Tree:     tree,
		Orgs:     orgs,
		Deposits: deposits,
	})

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	logger.Info("server_starting", map[string]interface{}{
		"port":            cfg.Server.Port,
		"address":         listenAddr,
		"body_limit":      humanize.IBytes(uint64(cfg.Server.BodyLimit)),
		"content_backend": cfg.Storage.ContentBackend,
		"ingest_loop":     cfg.Server.RunIngestLoop,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(listenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server_shutting_down", map[string]interface{}{
			"timeout_seconds": 10,
		})
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	if cfg.Server.RunIngestLoop {
		pipeline := services.NewPipeline(db, tree, chunks, content, cfg.Ingest.PollInterval, cfg.Ingest.MergeBufferSize)
		g.Go(func() error {
			return pipeline.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server stopped: %v", err)
	}
	logger.Info("server_stopped", nil)
}
