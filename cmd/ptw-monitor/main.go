package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ptw-monitor/internal/config"
	"ptw-monitor/internal/service"
	"ptw-monitor/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "ptw-monitor")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	monitorService, err := service.NewMonitorService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create monitor service",
			zap.Error(err),
		)
	}
	defer monitorService.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceErrChan := make(chan error, 1)
	go func() {
		if err := monitorService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Service error",
			zap.Error(err),
		)
	}

	log.Info("Permit safety monitor stopped")
}
