package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketfeed-gateway/config"
	"marketfeed-gateway/internal/gateway"
	"marketfeed-gateway/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().WithComponent("gateway").WithError(err).Fatal("failed to load config")
	}

	gw := gateway.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.Start(ctx)

	<-ctx.Done()
	logging.Default().WithComponent("gateway").Info("shutdown signal received")

	gw.Shutdown(time.Duration(cfg.Server.ShutdownTimeout) * time.Second)
}
