package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ndajr/shorturls/internal/applog"
	"github.com/ndajr/shorturls/internal/cachestore"
	"github.com/ndajr/shorturls/internal/config"
	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/ndajr/shorturls/internal/httpserver"
	"github.com/ndajr/shorturls/internal/janitor"
	"github.com/ndajr/shorturls/internal/rpcserver"
	"github.com/ndajr/shorturls/internal/shortener"
)

var (
	version   = "dev"
	gitCommit = "none"
)

const logDrainTimeout = 5 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("shorturls service failed", "error", err)
		os.Exit(1)
	}
}

// run wires and serves the service until SIGINT or SIGTERM. Deferred cleanup,
// including the request log drain, runs on every return path.
func run(logger *slog.Logger) error {
	config.SetDefaults()
	if err := config.Load(); err != nil {
		return err
	}

	ctx, shutdown := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer shutdown()

	appCfg, redisCfg, rlCfg := config.GetSettings()
	logger.Info("starting shorturls service", "version", version, "commit", gitCommit)

	applog.RegisterMetrics()
	sink, sinkCloser := applog.NewStdoutSink(appCfg.LogFile)
	reqLog := applog.New(logger, sink, appCfg.LogQueueSize)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), logDrainTimeout)
		defer cancel()
		if err := reqLog.Close(drainCtx); err != nil {
			logger.Error("failed to drain request log", "error", err)
		}
		_ = sinkCloser.Close()
	}()

	db, err := datastore.Open(ctx, logger, appCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to datastore: %w", err)
	}
	defer db.Close()

	checks := map[string]datastore.Pinger{"db": db}
	svcOpts := []shortener.Option{
		shortener.WithBaseURL(appCfg.BaseURL),
		shortener.WithDefaultValidity(appCfg.DefaultValidity),
	}
	deps := httpserver.Deps{
		Logger:     logger,
		RequestLog: reqLog,
	}

	if redisCfg.Addr != "" {
		cache, err := cachestore.NewCache(ctx, logger, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to cache: %w", err)
		}
		defer cache.Close()
		checks["cache"] = cache
		svcOpts = append(svcOpts, shortener.WithCache(cache))
		deps.Limiter = cachestore.NewRateLimiter(logger, cache, rlCfg)
	} else {
		logger.Info("redis address not set, running without cache and rate limiter")
	}

	deps.Service = shortener.New(logger, db, svcOpts...)
	deps.Checks = checks

	j, err := janitor.New(logger, db, appCfg.JanitorSchedule, appCfg.JanitorGrace)
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if appCfg.GrpcEndpoint != "" {
		grpcSrv := rpcserver.NewServer(logger, checks)
		if _, err := grpcSrv.Run(ctx, appCfg.GrpcEndpoint, &wg); err != nil {
			return fmt.Errorf("failed to run gRPC server: %w", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		j.Run(ctx)
	}()

	httpSrv := httpserver.NewServer(appCfg.HttpEndpoint(), deps)
	if err := httpSrv.Run(ctx, &wg); err != nil {
		return fmt.Errorf("failed to run HTTP server: %w", err)
	}
	reqLog.Info("backend", "config", "URL Shortener Microservice started on port "+strconv.Itoa(appCfg.Port))

	<-ctx.Done()
	logger.Info("powering down shorturls service")
	return nil
}
