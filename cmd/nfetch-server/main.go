// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/logging"
	"github.com/nishisan-dev/n-fetch/internal/server"
	"github.com/nishisan-dev/n-fetch/internal/server/controlapi"
)

func main() {
	configPath := flag.String("config", "/etc/nfetch/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}

	api := controlapi.NewRouter(srv.Manager(), srv.Registry(), srv.Events(), srv.Hub(), cfg, logger)

	if err := srv.Run(ctx, api); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
