package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antigravity-dev/helmsman/internal/advisor"
	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/api"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/cronjob"
	"github.com/antigravity-dev/helmsman/internal/decision"
	"github.com/antigravity-dev/helmsman/internal/embedding"
	"github.com/antigravity-dev/helmsman/internal/events"
	"github.com/antigravity-dev/helmsman/internal/memory"
	"github.com/antigravity-dev/helmsman/internal/metrics"
	"github.com/antigravity-dev/helmsman/internal/orchestrator"
	"github.com/antigravity-dev/helmsman/internal/patterns"
	"github.com/antigravity-dev/helmsman/internal/store"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "helmsman.toml", "path to config file")
	once := flag.Bool("once", false, "run a single orchestration pass over all projects then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	dryRun := flag.Bool("dry-run", false, "plan and record decisions without executing actions")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("helmsman starting", "version", version, "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	statePath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(statePath)
	if err != nil {
		logger.Error("failed to open state store", "path", statePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	mem, err := memory.Open(cfg.Memory, cfg.Embedding.Dimensions, logger.With("component", "memory"))
	if err != nil {
		logger.Error("failed to open memory store", "path", cfg.Memory.DB, "error", err)
		os.Exit(1)
	}
	defer mem.Close()

	embedder := embedding.NewClient(cfg.Embedding, m, logger.With("component", "embedding"))

	projects := upstream.NewProjectClient(cfg.Upstream, logger.With("component", "upstream"))
	availability := upstream.NewAvailabilityClient(cfg.Upstream, logger.With("component", "upstream"))
	backlog := upstream.NewBacklogClient(cfg.Upstream, logger.With("component", "upstream"))
	sprints := upstream.NewSprintClient(cfg.Upstream, logger.With("component", "upstream"))
	chronicle := upstream.NewChronicleClient(cfg.Upstream, logger.With("component", "upstream"))
	schedulerClient := upstream.NewSchedulerClient(cfg.Upstream, logger.With("component", "upstream"))

	snapshots := analyzer.New(projects, availability, backlog, sprints, logger.With("component", "analyzer"))
	patternEngine := patterns.NewEngine(mem, embedder, sprints, logger)
	patternEngine.UseSessionCache(mem, cfg.Memory.WorkingMemoryTTL.Duration)
	engine := decision.NewEngine(patternEngine, m, logger.With("component", "decision"))
	cron := cronjob.NewController(schedulerClient, cfg.Cronjob.Schedule, cfg.Cronjob.Image, cfg.Cronjob.HealthURL, logger.With("component", "cronjob"))
	publisher := events.NewPublisher(cfg.Events, logger.With("component", "events"))
	adv := advisor.New(cfg.Advisor, logger.With("component", "advisor"))
	evolver := memory.NewEvolver(mem, cfg.Strategy)

	coordinator := orchestrator.New(orchestrator.Deps{
		Config:    cfgManager,
		Analyzer:  snapshots,
		Engine:    engine,
		Sprints:   sprints,
		Backlog:   backlog,
		Chronicle: chronicle,
		Cron:      cron,
		Memory:    mem,
		Embedder:  embedder,
		State:     st,
		Advisor:   adv,
		Events:    publisher,
		Evolver:   evolver,
		Metrics:   m,
		Logger:    logger,

		AgentVersion: version,
		DryRun:       *dryRun,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		logger.Info("running single orchestration pass (--once mode)")
		coordinator.Tick(ctx)
		logger.Info("single pass complete, exiting")
		return
	}

	go coordinator.Run(ctx)
	go coordinator.RunOutcomeBackfill(ctx)
	go coordinator.RunStrategyEvolution(ctx)

	apiSrv, err := api.NewServer(cfgManager, coordinator, mem, st, embedder, registry, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("helmsman running",
		"bind", cfg.API.Bind,
		"tick_interval", cfg.Orchestrator.TickInterval.Duration.String(),
		"projects", len(cfg.Projects),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			cfg = cfgManager.Get()
			logger = configureLogger(cfg.General.LogLevel, *dev)
			slog.SetDefault(logger)
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			return
		}
	}
}
