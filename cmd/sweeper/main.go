package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/config"
	"github.com/ivankudzin/bumplink/backend/internal/infra/logger"
	"github.com/ivankudzin/bumplink/backend/internal/jobs/sweep"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
)

// Standalone index sweeper. The api binary runs the same job in-process;
// this one exists for deployments where the api is scaled out and a
// single sweeper instance is preferred.
func main() {
	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() {
		_ = redisClient.Close()
	}()

	job := sweep.New(redrepo.NewIntentRepo(redisClient), log)

	log.Info("sweeper started", zap.Duration("interval", cfg.Exchange.SweepInterval))
	job.RunPeriodic(ctx, cfg.Exchange.SweepInterval)
	log.Info("sweeper stopped")
}
