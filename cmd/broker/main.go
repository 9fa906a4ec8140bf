// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/l4m4re/growatt-rtu-broker/internal/config"
	"github.com/l4m4re/growatt-rtu-broker/internal/supervisor"
)

func main() {
	flagSet := pflag.NewFlagSet("growatt-rtu-broker", pflag.ExitOnError)
	configFile := flagSet.String("config", "", "Path to config file")
	flagSet.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, flagSet)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogPath, cfg.LogLevel)

	slog.Info("starting growatt-rtu-broker",
		"inverter_port", cfg.InverterPort,
		"shine_port", cfg.ShinePort,
		"tcp_bind", cfg.TCPBind,
		"tcp_alt_bind", cfg.TCPAltBind,
	)

	sup, err := supervisor.New(cfg)
	if err != nil {
		slog.Error("failed to assemble broker", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("signal received, shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		slog.Error("broker stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func setupLogger(path, level string) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if path != "" && path != "-" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
