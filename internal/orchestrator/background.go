package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/memory"
)

// Run drives the periodic orchestration tick over the configured
// projects until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.deps.Config.Get().Orchestrator.TickInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup, then on every tick.
	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("orchestration loop stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick orchestrates every configured project once. A failing project is
// logged and skipped; the tick continues with the rest.
func (c *Coordinator) Tick(ctx context.Context) {
	cfg := c.deps.Config.Get()
	for _, projectID := range cfg.Projects {
		if ctx.Err() != nil {
			return
		}
		_, err := c.Orchestrate(ctx, projectID, Request{
			CreateSprintIfNeeded: true,
			AssignTasks:          true,
			CreateCronjob:        true,
		})
		if err != nil {
			c.logger.Error("scheduled orchestration failed", "project_id", projectID, "error", err)
		}
	}
}

// RunOutcomeBackfill periodically records outcomes for episodes whose
// sprints have since finished, and purges expired working memory.
func (c *Coordinator) RunOutcomeBackfill(ctx context.Context) {
	interval := c.deps.Config.Get().Orchestrator.OutcomeBackfillInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.backfillCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("outcome backfill loop stopped")
			return
		case <-ticker.C:
			c.backfillCycle(ctx)
		}
	}
}

func (c *Coordinator) backfillCycle(ctx context.Context) {
	n, err := c.BackfillOutcomes(ctx)
	if err != nil {
		c.logger.Error("outcome backfill failed", "error", err)
	} else if n > 0 {
		c.logger.Info("outcomes backfilled", "count", n)
	}

	if purged, err := c.deps.Memory.PurgeExpiredWorkingMemory(ctx); err != nil {
		c.logger.Warn("working memory purge failed", "error", err)
	} else if purged > 0 {
		c.logger.Debug("working memory purged", "rows", purged)
	}
}

// BackfillOutcomes records observed outcomes for sprint-linked episodes
// that have none yet. An episode is settled either when all sprint work
// is complete or when the planned sprint window has elapsed. The
// underlying update is idempotent, so re-running over the same episodes
// is safe.
func (c *Coordinator) BackfillOutcomes(ctx context.Context) (int, error) {
	episodes, err := c.deps.Memory.EpisodesWithoutOutcome(ctx, 50)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, ep := range episodes {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}

		stats, err := c.deps.Sprints.GetSprintTaskStats(ctx, ep.SprintID)
		if err != nil {
			if herrors.Is(err, herrors.KindNotFound) {
				c.logger.Debug("sprint gone, episode outcome left open",
					"episode_id", ep.EpisodeID, "sprint_id", ep.SprintID)
				continue
			}
			c.logger.Warn("sprint stats unavailable during backfill",
				"episode_id", ep.EpisodeID, "sprint_id", ep.SprintID, "error", err)
			continue
		}

		weeks := ep.Action.SprintDurationWeeks
		if weeks <= 0 {
			weeks = 1
		}
		sprintEnd := ep.Timestamp.AddDate(0, 0, weeks*7)
		if !stats.AllComplete() && c.now().UTC().Before(sprintEnd) {
			// Sprint still running.
			continue
		}

		completionRate := 0.0
		if stats.Total > 0 {
			completionRate = float64(stats.Completed) / float64(stats.Total)
		}
		outcome := memory.Outcome{
			SprintCompleted: stats.AllComplete(),
			CompletionRate:  completionRate,
			VelocityDelta:   c.velocityDelta(ctx, ep.ProjectID),
		}

		if err := c.deps.Memory.UpdateEpisodeOutcome(ctx, ep.EpisodeID, outcome, completionRate); err != nil {
			c.logger.Warn("outcome update failed", "episode_id", ep.EpisodeID, "error", err)
			continue
		}
		c.deps.Metrics.OutcomesBackfilled.Inc()
		recorded++

		c.recordStrategyApplications(ctx, ep, completionRate)
	}
	return recorded, nil
}

// recordStrategyApplications credits or contradicts the sizing
// strategies a settled episode matches, so the evolver's lifecycle
// rules see live traffic. Success uses the same quality floor the
// synthesizer clusters on.
func (c *Coordinator) recordStrategyApplications(ctx context.Context, ep memory.Episode, quality float64) {
	if !ep.Action.CreatedSprint || ep.Action.TasksAssigned <= 0 {
		return
	}

	strategies, err := c.deps.Memory.ActiveStrategies(ctx, "sprint_sizing", 100)
	if err != nil {
		c.logger.Warn("active strategies unavailable during backfill", "error", err)
		return
	}

	content := fmt.Sprintf("assign %d tasks per sprint", ep.Action.TasksAssigned)
	for _, st := range strategies {
		if st.Content != content {
			continue
		}
		if err := c.deps.Memory.RecordApplication(ctx, st.KnowledgeID, ep.EpisodeID, quality >= 0.7); err != nil {
			c.logger.Warn("strategy application not recorded",
				"knowledge_id", st.KnowledgeID, "episode_id", ep.EpisodeID, "error", err)
		}
	}
}

// velocityDelta compares the two most recent velocity observations.
// History arrives oldest first, so the latest sprint is the last
// element. Missing history degrades to zero.
func (c *Coordinator) velocityDelta(ctx context.Context, projectID string) float64 {
	history, err := c.deps.Sprints.GetVelocityHistory(ctx, projectID, 2)
	if err != nil || len(history) < 2 {
		return 0
	}
	latest := history[len(history)-1]
	previous := history[len(history)-2]
	return latest.CompletedPoints - previous.CompletedPoints
}

// RunStrategyEvolution periodically evolves semantic memory. The
// feature flag is checked on every cycle so a config reload takes
// effect without a restart.
func (c *Coordinator) RunStrategyEvolution(ctx context.Context) {
	if c.deps.Evolver == nil {
		return
	}
	interval := c.deps.Config.Get().Orchestrator.StrategyEvolutionInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.evolutionCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("strategy evolution loop stopped")
			return
		case <-ticker.C:
			c.evolutionCycle(ctx)
		}
	}
}

func (c *Coordinator) evolutionCycle(ctx context.Context) {
	cfg := c.deps.Config.Get()
	features := cfg.Features
	if !features.EnableStrategyEvolution {
		return
	}

	report, err := c.deps.Evolver.Evolve(ctx)
	if err != nil {
		c.logger.Error("strategy evolution failed", "error", err)
		return
	}
	if len(report.Changed) > 0 {
		c.logger.Info("strategies evolved",
			"evaluated", report.Evaluated,
			"promoted", report.Promoted,
			"deprecated", report.Deprecated,
			"retired", report.Retired)
	}

	if features.EnableCrossProjectLearning {
		created, err := c.deps.Evolver.Synthesize(ctx, cfg.Strategy.SynthesisMinSupport)
		if err != nil {
			c.logger.Error("strategy synthesis failed", "error", err)
			return
		}
		if created > 0 {
			c.logger.Info("strategies synthesized", "count", created)
		}
	}
}
