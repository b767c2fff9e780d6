package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"torrentcast/internal/api"
	"torrentcast/internal/config"
	"torrentcast/internal/httpd"
	"torrentcast/internal/stream"
	"torrentcast/internal/torrent"
	"torrentcast/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel)

	session, err := torrent.NewSession(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create torrent session: %w", err)
	}
	defer session.Close()

	streaming := httpd.NewManager(
		httpd.ServerConfig{
			Host:            cfg.StreamHost,
			Port:            cfg.StreamPort,
			IdleConnTimeout: cfg.IdleConnTimeout,
			SweepInterval:   cfg.SweepInterval,
			MaxRequestBytes: cfg.MaxRequestBytes,
		},
		stream.SchedConfig{
			MinDeadline:       cfg.MinPieceDeadline,
			MaxDeadline:       cfg.MaxPieceDeadline,
			TailDeadline:      cfg.TailPieceDeadline,
			LookaheadBytes:    cfg.LookaheadBytes,
			BackpressureBytes: cfg.BackpressureBytes,
		},
		session,
		log,
	)
	defer streaming.Close()
	session.OnRemove(streaming.HandleTorrentRemoved)

	router, err := api.NewRouter(cfg, log, session, streaming)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}
	server := api.NewServer(cfg, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("admin_port", cfg.AdminPort).Msg("server started")
	if err := api.RunServer(ctx, server, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info().Msg("shut down cleanly")
	return nil
}
