package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"webull-pnl-monitor-go/internal/config"
	"webull-pnl-monitor-go/internal/database"
	"webull-pnl-monitor-go/internal/ledger"
	"webull-pnl-monitor-go/internal/logger"
	"webull-pnl-monitor-go/internal/monitor"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("log_folder", cfg.Monitor.LogFolder))

	// Initialize database for ledger persistence and replay
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	if cfg.Monitor.LogFolder == "" {
		log.Fatal("monitor.log_folder is not configured")
	}
	if _, err := os.Stat(cfg.Monitor.LogFolder); err != nil {
		log.Fatal("Log folder is not accessible", zap.Error(err))
	}

	quiet := time.Duration(cfg.Monitor.QuietFileSeconds * float64(time.Second))
	source := monitor.NewFolderSource(cfg.Monitor.LogFolder, quiet)
	store := ledger.NewStore()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Initialize and run the monitoring engine
	engine := monitor.NewEngine(log, &cfg, store, source, db)
	engine.Run(ctx)

	log.Info("Monitor has been shut down.")
}
