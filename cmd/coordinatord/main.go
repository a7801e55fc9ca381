// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rtib/cassandra-reaper/internal/adminserver"
	"github.com/rtib/cassandra-reaper/internal/config"
	"github.com/rtib/cassandra-reaper/internal/coordstore"
	"github.com/rtib/cassandra-reaper/internal/directory"
	"github.com/rtib/cassandra-reaper/internal/identity"
	"github.com/rtib/cassandra-reaper/internal/nodelock"
	"github.com/rtib/cassandra-reaper/internal/segmentlead"
	tlog "github.com/rtib/cassandra-reaper/internal/telemetry/log"
	"github.com/rtib/cassandra-reaper/internal/telemetry/tracing"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coordinatord %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Safe defaults until config is loaded; reconfigured below once
	// cfg.LogLevel is known.
	tlog.Configure(tlog.Config{Level: "info", Service: "coordinatord", Version: version})
	logger := tlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	tlog.Configure(tlog.Config{Level: cfg.LogLevel, Service: "coordinatord", Version: version})
	logger = tlog.WithComponent("main")

	shutdownTracing, err := tracing.Setup(ctx, tracing.SetupConfig{
		ServiceName:    "coordinatord",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	self := identity.New(cfg.Instance.Host)
	logger.Info().Str("instance", self.String()).Msg("coordinator instance identity")

	store, closeStore := mustOpenStore(ctx, cfg, logger)
	defer closeStore()

	leaders, err := segmentlead.New(ctx, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct segment-lead registry")
	}
	locks, err := nodelock.New(ctx, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct node-lock registry")
	}
	dir, err := directory.New(ctx, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct live-instance directory")
	}

	rlWindow, err := cfg.RateLimitWindow()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid admin.rateLimitWindow")
	}

	admin := adminserver.New(
		adminserver.Config{Addr: cfg.Admin.Addr, RateLimitRPS: cfg.Admin.RateLimitRPS, RateLimitWindow: rlWindow},
		adminserver.Deps{Leaders: leaders, Locks: locks, Directory: dir},
		logger,
	)

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("store_backend", cfg.Store.Backend).
		Str("admin_addr", cfg.Admin.Addr).
		Msg("starting coordinatord")

	if err := admin.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "admin_server.failed").Msg("admin server exited with error")
	}

	logger.Info().Msg("coordinatord exiting")
}

func mustOpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (coordstore.Session, func()) {
	if _, err := cfg.DefaultTTL(); err != nil {
		logger.Fatal().Err(err).Msg("invalid store.defaultTTL")
	}

	switch cfg.Store.Backend {
	case "badger":
		s, err := coordstore.NewBadgerSession(cfg.Store.BadgerDir, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open badger store")
		}
		return s, func() { _ = s.Close() }
	default:
		s, err := coordstore.NewRedisSession(ctx, coordstore.RedisConfig{
			Addr:     cfg.Store.Addr,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis store")
		}
		return s, func() { _ = s.Close() }
	}
}
