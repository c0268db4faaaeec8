package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/lan-chat/internal/config"
	"github.com/omochice/lan-chat/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	envFile := flag.String("env", "", "Path to an env file (default .env)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))

	srv, err := server.New(cfg, logger)
	if err != nil {
		return exitConfig, err
	}

	// NotifyContext cancels ctx on SIGINT or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting chat server",
		"address", cfg.Address(),
		"discovery", cfg.DiscoveryAddress())
	if err := srv.Run(ctx); err != nil {
		return exitRuntime, err
	}
	logger.Info("Program stopped cleanly")
	return exitOK, nil
}
