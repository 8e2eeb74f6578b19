package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/docshare/vault/internal/config"
	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/logger"
	"github.com/joho/godotenv"
)

// recalculate rebuilds every container aggregate from the FILE rows. It is a
// dry run unless RECALC_COMMIT=true.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Init("recalculate", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	accounting := services.NewAccountingService(db)
	report, err := accounting.Recalculate(ctx, services.RecalculateOptions{
		DryRun:          !cfg.Recalc.Commit,
		CountContainers: cfg.Recalc.CountContainers,
	})
	if err != nil {
		log.Fatalf("recalculation failed: %v", err)
	}

	mode := "committed"
	if report.DryRun {
		mode = "dry run, nothing written"
	}
	fmt.Printf("scanned %d rows, %d containers, %d aggregates changed in %s (%s)\n",
		report.Rows, report.Containers, report.Changed, report.Duration.Round(time.Millisecond), mode)
}
