package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", "./config.yaml", "Path to config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Pebble DB path (overrides config)")
	flag.Parse()

	cfg, err := config.LoadEffective(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		host, port := config.SplitHostPort(*addr)
		if host != "" {
			cfg.Server.Address = host
		}
		if port != 0 {
			cfg.Server.Port = port
		}
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}

	logger.InitWithLevel(cfg.Logging.Level)
	logger.Info("chatsyncd_starting", "addr", cfg.Addr(), "db", cfg.Server.DBPath)

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Error("server_error", "error", err)
		os.Exit(1)
	}
	logger.Info("chatsyncd_stopped")
}
