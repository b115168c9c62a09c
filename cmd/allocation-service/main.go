package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/app"
	"github.com/iKonstantin1991/patterns-book/internal/version"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		app.SetupLogging(app.DefaultConfig())
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	app.SetupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(version.Get().Fields())
	logger.WithFields(log.Fields{
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"metrics": cfg.MetricsAddr,
		"storage": cfg.StorageDriver,
		"kafka":   cfg.KafkaBrokers != "",
	}).Info("allocation service starting")

	err = app.Run(ctx, cfg)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("allocation service stopped")
	default:
		logger.WithError(err).Fatal("allocation service failed")
	}
}
