package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tlstunnel/tlstunnel/internal/config"
	"github.com/tlstunnel/tlstunnel/internal/logger"
	"github.com/tlstunnel/tlstunnel/internal/server"
)

func main() {
	configPath := flag.String("config", "tlstunneld.yaml", "path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tlstunneld: %v\n", err)
		os.Exit(1)
	}

	log, cleanup, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		PrettyLogs: cfg.Logging.Format == "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tlstunneld: failed to initialise logger: %v\n", err)
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

	srv := server.New(cfg.Server, log)
	log.Info("tlstunneld starting", "bind_addr", cfg.Server.BindAddr, "bind_port", cfg.Server.BindPort, "transport", cfg.Server.Transport)

	if err := srv.Run(ctx); err != nil {
		logger.FatalWithLogger(log, "server exited with error", "error", err)
	}
	log.Info("tlstunneld stopped")
}
