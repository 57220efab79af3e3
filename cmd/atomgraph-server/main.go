// Package main provides the atomgraph worker: it executes extraction runs,
// triggers scheduled tasks and serves events, health and stats over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/atomgraph/internal/app"
	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/server"
)

const version = "0.1.0"

// taskReloadInterval is how often scheduled tasks are re-read from the store.
const taskReloadInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg)
	defer func() { _ = cleanup() }()

	logger.Info("atomgraph-server starting",
		"version", version,
		"surrealdb_url", cfg.SurrealDBURL,
		"llm", cfg.LLMProvider+"/"+cfg.LLMModel,
		"embed_model", cfg.EmbedModel,
		"worker_id", cfg.WorkerID,
		"concurrency", cfg.WorkerConcurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{EventHub: true})
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := a.Close(context.Background()); err != nil {
			logger.Error("failed to close app", "error", err)
		}
	}()

	// Wipe database if requested (via flag or env var)
	if *wipeDB || os.Getenv("ATOMGRAPH_WIPE_DB") == "true" {
		if err := a.DB.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}

	worker, err := a.Worker()
	if err != nil {
		return err
	}
	scheduler := a.Scheduler()
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := server.New(server.Deps{
		Runs:     a.Runs,
		Versions: a.Versions,
		Hub:      a.Hub,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx, fmt.Sprintf(":%d", cfg.ServerPort))
	})
	g.Go(func() error {
		ticker := time.NewTicker(taskReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := scheduler.Reload(gctx); err != nil {
					logger.Warn("reload scheduled tasks", "error", err)
				}
			}
		}
	})

	logger.Info("server ready", "port", cfg.ServerPort, "scheduled_tasks", scheduler.Entries())
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
