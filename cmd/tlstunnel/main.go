package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tlstunnel/tlstunnel/internal/client"
	"github.com/tlstunnel/tlstunnel/internal/config"
	"github.com/tlstunnel/tlstunnel/internal/logger"
)

func main() {
	configPath := flag.String("config", "tlstunnel.yaml", "path to the client config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tlstunnel: %v\n", err)
		os.Exit(1)
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		PrettyLogs: cfg.Logging.Format == "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tlstunnel: failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	c := client.New(cfg.Client, log)
	log.Info("tlstunnel starting", "server_addr", cfg.Client.ServerAddr, "server_port", cfg.Client.ServerPort, "transport", cfg.Client.Transport)

	if err := c.Run(ctx); err != nil {
		logger.FatalWithLogger(log, "client exited with error", "error", err)
	}
	log.Info("tlstunnel stopped")
}
