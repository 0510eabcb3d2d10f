// Package main is the long-running notifier daemon.
//
// It loads configuration, wires the dispatch loop against Postgres (and Redis
// when configured), and runs two things side by side until SIGINT or SIGTERM:
// the tick driver, which runs the dispatch loop every TICK_INTERVAL and early
// for imminent deadlines, and the health server on PORT.
//
// Several instances may run against the same database; per-job leases keep
// each occurrence of a job to one delivery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"civicnotify/internal/app"
	"civicnotify/internal/config"
	"civicnotify/internal/core"
	"civicnotify/internal/ticker"
	"civicnotify/internal/types"
)

// staleTicks is how many missed intervals mark the driver unhealthy.
const staleTicks = 3

// stuckTickLeases is how many job lease lifetimes a single tick may run
// before the driver is reported stuck.
const stuckTickLeases = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(app.SecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("notifier starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"tick_interval", cfg.Dispatch.TickInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	tickerCfg := ticker.Config{
		Dispatcher: a.Dispatcher,
		Due:        a.Notifications,
		Interval:   cfg.Dispatch.TickInterval,
		Clock:      types.RealClock{},
		Logger:     logger,
	}
	if a.Importer != nil {
		tickerCfg.Importer = a.Importer
		tickerCfg.ImportInterval = cfg.Feed.PollInterval
	}
	driver := ticker.NewDriver(tickerCfg)

	probes := []core.HealthProbe{
		core.DatabaseProbe{DB: a.Pool},
		core.TickProbe{
			Source:     driver,
			MaxAge:     staleTicks * cfg.Dispatch.TickInterval,
			MaxRunning: stuckTickLeases * cfg.Dispatch.JobLockTTL,
			Started:    time.Now(),
		},
	}
	if a.Redis != nil {
		probes = append(probes, core.RedisProbe{Client: a.Redis})
	}
	srv, err := core.NewServer(cfg, logger, probes...)
	if err != nil {
		return fmt.Errorf("creating health server: %w", err)
	}
	srv.MountRoutes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("notifier stopped", "ticks", driver.Ticks())
	return nil
}
