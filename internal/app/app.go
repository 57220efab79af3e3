// Package app wires the store, engines and pipeline together. Both the CLI
// and the worker process build one App at startup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/atomgraph/internal/approval"
	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/db"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/matching"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/retry"
	"github.com/raphaelgruber/atomgraph/internal/service"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

// Options tune what New builds.
type Options struct {
	// EventHub creates a websocket hub for local observers. With Redis
	// configured it is fed from the Redis channel so events published by
	// other processes reach it too.
	EventHub bool
}

// App holds every long-lived component.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	DB       *db.Client
	Metrics  *metrics.Collector
	Events   events.Broadcaster
	Hub      *events.Hub // nil unless Options.EventHub
	Runs     *service.RunTracker
	Versions *versioning.Engine
	Approval *approval.Engine
	DLQ      *retry.DeadLetterQueue
	Retry    *retry.Policy

	mu       sync.Mutex
	matcher  *matching.Matcher
	pipeline *service.Pipeline
	closers  []func()
}

// New connects to the database, initializes the schema and builds the
// components that do not need an LLM. LLM-backed components are built on
// first use.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	mc := metrics.NewCollector()

	dbCfg := db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}
	dbClient, err := db.NewClient(ctx, dbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := dbClient.InitSchema(ctx, cfg.EmbedDimension); err != nil {
		_ = dbClient.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		DB:      dbClient,
		Metrics: mc,
	}
	if opts.EventHub {
		a.Hub = events.NewHub(logger, mc)
	}
	a.Events = a.broadcaster(ctx)

	a.Runs = service.NewRunTracker(dbClient, a.Events, logger, mc)
	a.Versions = versioning.NewEngine(dbClient, a.Events, logger, mc)
	a.Approval = approval.NewEngine(dbClient, logger)

	registry := retry.NewRegistry()
	service.RegisterReplayHandlers(registry, a.Runs)
	a.DLQ = retry.NewDeadLetterQueue(dbClient, registry, logger)
	a.Retry = retry.NewPolicy(cfg.Pipeline.Retry, a.DLQ, logger, mc)

	return a, nil
}

// broadcaster fans events out to the log and, when configured, Redis. The
// hub is fed directly only when there is no Redis channel to relay through.
func (a *App) broadcaster(ctx context.Context) events.Broadcaster {
	fan := events.Fanout{events.NewLogBroadcaster(a.Logger)}
	if a.Config.RedisAddr == "" {
		if a.Hub != nil {
			fan = append(fan, a.Hub)
		}
		return fan
	}

	rdb, err := events.NewRedisClient(ctx, a.Config.RedisAddr)
	if err != nil {
		a.Logger.Warn("redis unavailable, events stay local", "addr", a.Config.RedisAddr, "error", err)
		if a.Hub != nil {
			fan = append(fan, a.Hub)
		}
		return fan
	}
	rb := events.NewRedisBroadcaster(rdb, a.Config.RedisChannel, a.Logger, a.Metrics)
	a.closers = append(a.closers, func() { _ = rdb.Close() }, rb.Close)
	fan = append(fan, rb)

	if a.Hub != nil {
		if err := events.Subscribe(ctx, rdb, a.Config.RedisChannel, a.Logger, a.Hub.Deliver); err != nil {
			a.Logger.Warn("redis subscribe failed, feeding hub directly", "error", err)
			fan = append(fan, a.Hub)
		}
	}
	return fan
}

// Thresholds maps the pipeline configuration onto matcher thresholds.
func Thresholds(p config.Pipeline) matching.Thresholds {
	return matching.Thresholds{
		Duplicate:   p.DuplicateDetectionThreshold,
		Semantic:    p.SemanticSearchThreshold,
		Exploration: p.ExplorationThreshold,
	}
}

// Matcher returns the semantic matcher, creating the embedder on first use.
func (a *App) Matcher() (*matching.Matcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.matcherLocked()
}

func (a *App) matcherLocked() (*matching.Matcher, error) {
	if a.matcher != nil {
		return a.matcher, nil
	}
	embedder, err := llm.NewEmbedder(a.Config, a.Logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	m, err := matching.NewMatcher(a.DB, embedder, Thresholds(a.Config.Pipeline))
	if err != nil {
		return nil, err
	}
	a.matcher = m
	return m, nil
}

// Pipeline returns the extraction pipeline.
func (a *App) Pipeline() (*service.Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipeline != nil {
		return a.pipeline, nil
	}
	m, err := a.matcherLocked()
	if err != nil {
		return nil, err
	}
	a.pipeline = service.NewPipeline(service.PipelineDeps{
		Store:      a.DB,
		Runs:       a.Runs,
		Versions:   a.Versions,
		Approval:   a.Approval,
		Matcher:    m,
		Generators: llm.NewRegistry(a.Config, a.Logger, a.Metrics),
		Retry:      a.Retry,
		Events:     a.Events,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	}, a.Config.Pipeline, a.Config.DefaultLanguage)
	return a.pipeline, nil
}

// Worker returns a run executor polling with the configured concurrency.
func (a *App) Worker() (*service.Worker, error) {
	p, err := a.Pipeline()
	if err != nil {
		return nil, err
	}
	return service.NewWorker(a.Runs, p, a.Config.WorkerID, a.Config.WorkerConcurrency, a.Config.PollInterval, a.Logger), nil
}

// Scheduler returns a cron scheduler over the stored extraction tasks.
func (a *App) Scheduler() *service.Scheduler {
	return service.NewScheduler(a.DB, a.Runs, a.Config.Pipeline, a.Logger)
}

// Close flushes event publishers and closes the database connection.
func (a *App) Close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	return a.DB.Close(ctx)
}
