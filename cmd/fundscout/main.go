// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command fundscout runs the funding-source discovery service: the
// HTTP trigger surface and the four pipeline stage workers in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fundscout/fundscout/cmd/fundscout/config"
	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/adapter"
	"github.com/fundscout/fundscout/services/discovery/blacklist"
	"github.com/fundscout/fundscout/services/discovery/handlers"
	"github.com/fundscout/fundscout/services/discovery/pipeline"
	"github.com/fundscout/fundscout/services/discovery/registry"
	"github.com/fundscout/fundscout/services/discovery/repository"
	"github.com/fundscout/fundscout/services/discovery/routes"
	"github.com/fundscout/fundscout/services/discovery/scoring"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fundscout: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "fundscout",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := telemetry.New("fundscout")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := telemetryProvider.Metrics

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	bus, err := stream.NewBus(rdb, logger,
		stream.WithPartitions(cfg.Redis.Partitions),
		stream.WithMaxLen(cfg.Redis.MaxStreamLen))
	if err != nil {
		return err
	}

	db, err := repository.Open(cfg.Badger.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.NewBadgerRegistry(db, logger)
	if err != nil {
		return err
	}
	cache, err := blacklist.NewCache(reg, logger,
		blacklist.WithCapacity(cfg.Blacklist.Capacity),
		blacklist.WithTTL(cfg.Blacklist.TTL()))
	if err != nil {
		return err
	}

	sessions := repository.NewBadgerSessions(db)
	candidates := repository.NewBadgerCandidates(db)
	errRepo := repository.NewBadgerErrors(db)

	orchestrator, err := session.NewOrchestrator(sessions, logger)
	if err != nil {
		return err
	}

	searxng, err := adapter.NewSearXNG(adapter.SearXNGConfig{
		BaseURL: cfg.Engines.SearXNG.BaseURL,
		Timeout: time.Duration(cfg.Engines.SearXNG.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return err
	}
	adapters := adapter.NewRegistry()
	adapters.Register(adapter.WithRetry(searxng, adapter.RetryConfig{}, logger))

	scorer, err := scoring.NewDefault(cfg.Scoring)
	if err != nil {
		return err
	}

	searchStage, err := pipeline.NewSearchStage(bus, adapters, pipeline.SearchStageConfig{
		MaxResults: cfg.Pipeline.MaxResultsPerQuery,
		EngineRPS:  cfg.Engines.SearXNG.RequestsPerSec,
	}, metrics, logger)
	if err != nil {
		return err
	}
	validationStage, err := pipeline.NewValidationStage(bus, cache, reg, orchestrator, metrics, logger)
	if err != nil {
		return err
	}
	scoringStage, err := pipeline.NewScoringStage(bus, scorer, candidates, reg, orchestrator, metrics, logger)
	if err != nil {
		return err
	}
	errorStage, err := pipeline.NewErrorStage(bus, errRepo, orchestrator, metrics, logger)
	if err != nil {
		return err
	}

	workers, err := pipeline.NewWorkers(bus, pipeline.WorkersConfig{
		Instance:          cfg.Pipeline.Instance,
		SearchTimeout:     time.Duration(cfg.Pipeline.SearchTimeoutSeconds) * time.Second,
		ValidationTimeout: time.Duration(cfg.Pipeline.ValidationTimeoutSeconds) * time.Second,
		ScoringTimeout:    time.Duration(cfg.Pipeline.ScoringTimeoutSeconds) * time.Second,
		ErrorTimeout:      time.Duration(cfg.Pipeline.ErrorTimeoutSeconds) * time.Second,
	}, searchStage, validationStage, scoringStage, errorStage, logger)
	if err != nil {
		return err
	}

	trigger, err := pipeline.NewTrigger(pipeline.NewTemplateGenerator(), bus, orchestrator, metrics, logger)
	if err != nil {
		return err
	}
	handlerSet, err := handlers.New(trigger, orchestrator, candidates, errRepo, logger)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.Register(router, handlerSet, telemetryProvider.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workers.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
		if err := orchestrator.Flush(shutdownCtx); err != nil {
			logger.Warn("session flush failed", "error", err)
		}
		return nil
	})

	logger.Info("fundscout started",
		"redis", cfg.Redis.Addr,
		"badger", cfg.Badger.Path,
		"searxng", cfg.Engines.SearXNG.BaseURL)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("fundscout stopped")
	return err
}

func logLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
