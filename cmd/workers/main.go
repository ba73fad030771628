package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/app"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/config"
	"lex-bounty/bounty-portal/bounty-portal-backend/internal/reconcile"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		bootstrap, _ := zap.NewDevelopment()
		bootstrap.Fatal("Failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}
	if cfg.Database.InMemory {
		bootstrap, _ := zap.NewDevelopment()
		bootstrap.Fatal("The reconcile worker needs a shared database; database.in_memory is set")
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	r := reconcile.New(a.Escrow, reconcile.Config{
		Schedule:  cfg.Workers.ReconcileSchedule,
		BatchSize: cfg.Workers.BatchSize,
	}, logger.Named("reconcile"))

	// Process anything left over from before a restart immediately
	r.Pass(ctx)

	if err := r.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("Shutting down reconciler...")
	r.Stop()
}
