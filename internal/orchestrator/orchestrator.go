// Package orchestrator coordinates one full orchestration pass per
// project: snapshot, baseline plan, gated intelligence decision, action
// execution against the collaborator services, and the learning
// write-backs (episode, audit, adoption counters, event publish).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/helmsman/internal/advisor"
	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/cronjob"
	"github.com/antigravity-dev/helmsman/internal/decision"
	"github.com/antigravity-dev/helmsman/internal/memory"
	"github.com/antigravity-dev/helmsman/internal/metrics"
	"github.com/antigravity-dev/helmsman/internal/planner"
	"github.com/antigravity-dev/helmsman/internal/store"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// SnapshotBuilder is the analyzer surface the coordinator drives.
type SnapshotBuilder interface {
	Analyze(ctx context.Context, projectID string, durationWeeks int) (*analyzer.Snapshot, error)
}

// Decider is the decision-engine surface the coordinator drives.
type Decider interface {
	Decide(ctx context.Context, in decision.Input, cfg config.Intelligence) decision.Decision
}

// CronController manages the per-sprint scheduled job.
type CronController interface {
	Ensure(ctx context.Context, projectID, sprintID string) (bool, error)
	Delete(ctx context.Context, projectID, sprintID string) error
}

// TextEmbedder produces the episode embedding.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryStore is the slice of the agent memory the coordinator writes.
type MemoryStore interface {
	StoreEpisode(ctx context.Context, ep memory.Episode, embedding []float32) (string, error)
	UpdateEpisodeOutcome(ctx context.Context, episodeID string, outcome memory.Outcome, quality float64) error
	EpisodesWithoutOutcome(ctx context.Context, limit int) ([]memory.Episode, error)
	ActiveStrategies(ctx context.Context, knowledgeType string, limit int) ([]memory.Strategy, error)
	RecordApplication(ctx context.Context, knowledgeID, episodeID string, success bool) error
	PutWorkingMemory(ctx context.Context, projectID string, payload any, ttl time.Duration) (string, error)
	PurgeExpiredWorkingMemory(ctx context.Context) (int64, error)
}

// StateStore is the audit/override/adoption persistence surface.
type StateStore interface {
	AppendAudit(ctx context.Context, projectID string, d decision.Decision) (string, error)
	GetDecisionMode(ctx context.Context, projectID string) (*store.DecisionModeOverride, error)
	RecordAdoption(ctx context.Context, projectID string, invocations, recommendations, applied int) error
}

// AdvisorClient is the optional post-decision reviewer.
type AdvisorClient interface {
	Enabled() bool
	Advise(ctx context.Context, snap *analyzer.Snapshot, d decision.Decision) advisor.Advisory
}

// EventSink publishes completed decisions.
type EventSink interface {
	PublishDecision(ctx context.Context, projectID string, payload any) error
}

// StrategyEvolver runs the semantic-memory maintenance pass.
type StrategyEvolver interface {
	Evolve(ctx context.Context) (memory.EvolutionReport, error)
	Synthesize(ctx context.Context, minSupport int) (int, error)
}

// Deps wires the coordinator. Every field is required except Advisor,
// Events and Evolver, which may be nil when the feature is off.
type Deps struct {
	Config    *config.Manager
	Analyzer  SnapshotBuilder
	Engine    Decider
	Sprints   upstream.SprintClient
	Backlog   upstream.BacklogClient
	Chronicle upstream.ChronicleClient
	Cron      CronController
	Memory    MemoryStore
	Embedder  TextEmbedder
	State     StateStore
	Advisor   AdvisorClient
	Events    EventSink
	Evolver   StrategyEvolver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	AgentVersion string
	DryRun       bool
}

// Coordinator serialises orchestration per project and owns the
// background maintenance loops.
type Coordinator struct {
	deps   Deps
	logger *slog.Logger
	locks  keyedLocks
	now    func() time.Time
}

func New(deps Deps) *Coordinator {
	return &Coordinator{
		deps:   deps,
		logger: deps.Logger.With("component", "orchestrator"),
		now:    time.Now,
	}
}

// Request carries the per-call planning options. Zero duration or task
// cap falls back to the configured orchestrator defaults.
type Request struct {
	CreateSprintIfNeeded bool `json:"create_sprint_if_needed"`
	AssignTasks          bool `json:"assign_tasks"`
	CreateCronjob        bool `json:"create_cronjob"`
	SprintDurationWeeks  int  `json:"sprint_duration_weeks"`
	MaxTasksPerSprint    int  `json:"max_tasks_per_sprint"`
}

func (r Request) options(def config.Orchestrator) planner.Options {
	opts := planner.Options{
		CreateSprintIfNeeded: r.CreateSprintIfNeeded,
		AssignTasks:          r.AssignTasks,
		CreateCronjob:        r.CreateCronjob,
		SprintDurationWeeks:  r.SprintDurationWeeks,
		MaxTasksPerSprint:    r.MaxTasksPerSprint,
	}
	if opts.SprintDurationWeeks <= 0 {
		opts.SprintDurationWeeks = def.SprintDurationWeeks
	}
	if opts.MaxTasksPerSprint <= 0 {
		opts.MaxTasksPerSprint = def.MaxTasksPerSprint
	}
	return opts
}

// Performance reports end-to-end timing for the response body.
type Performance struct {
	TotalDurationMS int64 `json:"total_duration_ms"`
}

// Response is the full orchestration result returned to API callers and
// published to the event stream.
type Response struct {
	ProjectID          string             `json:"project_id"`
	Timestamp          time.Time          `json:"timestamp"`
	Analysis           *analyzer.Snapshot `json:"analysis"`
	Decisions          decision.Decision  `json:"decisions"`
	ActionsTaken       []string           `json:"actions_taken"`
	EpisodeID          string             `json:"episode_id,omitempty"`
	AIAgentAdvisory    *advisor.Advisory  `json:"ai_agent_advisory,omitempty"`
	PerformanceMetrics Performance        `json:"performance_metrics"`
}

// Orchestrate runs one pass for a project. The decide/apply section is
// serialised per project; concurrent requests for different projects
// proceed in parallel.
func (c *Coordinator) Orchestrate(ctx context.Context, projectID string, req Request) (*Response, error) {
	start := c.now()
	unlock := c.locks.lock(projectID)
	defer unlock()

	cfg := c.deps.Config.Get()
	intel := cfg.Intelligence
	override, err := c.deps.State.GetDecisionMode(ctx, projectID)
	if err != nil {
		c.logger.Warn("decision mode lookup failed, using global config",
			"project_id", projectID, "error", err)
	} else if override != nil {
		intel = override.Apply(intel)
	}

	opts := req.options(cfg.Orchestrator)
	snap, err := c.deps.Analyzer.Analyze(ctx, projectID, opts.SprintDurationWeeks)
	if err != nil {
		return nil, err
	}

	var (
		activeStats *upstream.SprintTaskStats
		activeTasks []upstream.Task
	)
	if snap.CurrentActiveSprint != nil {
		sprintID := snap.CurrentActiveSprint.SprintID
		activeStats, err = c.deps.Sprints.GetSprintTaskStats(ctx, sprintID)
		if err != nil {
			c.logger.Warn("sprint task stats unavailable",
				"project_id", projectID, "sprint_id", sprintID, "error", err)
			activeStats = nil
		}
		activeTasks, err = c.deps.Backlog.ListSprintTasks(ctx, projectID, sprintID)
		if err != nil {
			c.logger.Warn("active sprint tasks unavailable",
				"project_id", projectID, "sprint_id", sprintID, "error", err)
			activeTasks = nil
		}
	}

	plan := planner.Build(snap, activeStats, opts)
	d := c.deps.Engine.Decide(ctx, decision.Input{
		Snapshot:    snap,
		Plan:        plan,
		ActiveStats: activeStats,
		ActiveTasks: activeTasks,
		Options:     opts,
	}, intel)

	result := c.execute(ctx, snap, &d, opts)

	if _, err := c.deps.Memory.PutWorkingMemory(ctx, projectID, snap, cfg.Memory.WorkingMemoryTTL.Duration); err != nil {
		c.logger.Warn("working memory write failed", "project_id", projectID, "error", err)
	}

	episodeID := c.recordEpisode(ctx, snap, d, result, cfg.Memory.EpisodeWithoutEmbedding, cfg.Features.EnableAsyncLearning)

	if _, err := c.deps.State.AppendAudit(ctx, projectID, d); err != nil {
		c.logger.Error("audit append failed", "project_id", projectID, "error", err)
	}
	c.recordAdoption(ctx, projectID, d, intel)

	resp := &Response{
		ProjectID:    projectID,
		Timestamp:    start.UTC(),
		Analysis:     snap,
		Decisions:    d,
		ActionsTaken: result.actions,
		EpisodeID:    episodeID,
	}

	if c.deps.Advisor != nil && c.deps.Advisor.Enabled() {
		adv := c.deps.Advisor.Advise(ctx, snap, d)
		if adv.Error != "" {
			c.deps.Metrics.AdvisorTimeouts.Inc()
		}
		resp.AIAgentAdvisory = &adv
	}

	elapsed := time.Since(start)
	resp.PerformanceMetrics.TotalDurationMS = elapsed.Milliseconds()
	c.deps.Metrics.OrchestrationsBySource.WithLabelValues(d.DecisionSource).Inc()
	c.deps.Metrics.OrchestrationDuration.Observe(elapsed.Seconds())

	if c.deps.Events != nil {
		if err := c.deps.Events.PublishDecision(ctx, projectID, resp); err != nil {
			c.logger.Warn("event publish failed", "project_id", projectID, "error", err)
		}
	}

	c.logger.Info("orchestration complete",
		"project_id", projectID,
		"decision_source", d.DecisionSource,
		"actions", len(result.actions),
		"duration_ms", resp.PerformanceMetrics.TotalDurationMS)
	return resp, nil
}

type actionResult struct {
	actions  []string
	sprintID string
	noteID   string
}

// execute applies the decision against the collaborator services.
// Individual action failures become warnings on the decision; they
// never abort the pass.
func (c *Coordinator) execute(ctx context.Context, snap *analyzer.Snapshot, d *decision.Decision, opts planner.Options) actionResult {
	if c.deps.DryRun {
		return actionResult{actions: []string{"Dry run: planned actions not executed"}}
	}

	var result actionResult
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		d.Applied.Warnings = append(d.Applied.Warnings, msg)
		c.logger.Warn("action failed", "project_id", snap.ProjectID, "detail", msg)
	}

	switch {
	case d.Applied.SprintClosureTriggered:
		sprintID := d.Applied.SprintIDToClose
		if err := c.deps.Sprints.CloseSprint(ctx, sprintID); err != nil {
			warn("close sprint %s: %v", sprintID, err)
			break
		}
		result.sprintID = sprintID
		result.actions = append(result.actions, fmt.Sprintf("Closed sprint %s", sprintID))

		noteID, err := c.deps.Chronicle.CreateRetrospective(ctx, upstream.RetrospectiveNote{
			ProjectID: snap.ProjectID,
			SprintID:  sprintID,
			Summary:   fmt.Sprintf("Sprint %s retrospective", sprintID),
			Body:      d.RuleBased.Reasoning,
		})
		if err != nil {
			warn("retrospective note for sprint %s: %v", sprintID, err)
		} else {
			result.noteID = noteID
			result.actions = append(result.actions, fmt.Sprintf("Recorded retrospective note %s", noteID))
		}

		if err := c.deps.Cron.Delete(ctx, snap.ProjectID, sprintID); err != nil {
			warn("delete cronjob for sprint %s: %v", sprintID, err)
		} else {
			d.Applied.CronjobDeleted = true
			result.actions = append(result.actions,
				fmt.Sprintf("Deleted cronjob %s", cronjob.JobName(snap.ProjectID, sprintID)))
		}

	case d.Applied.CreateNewSprint:
		var taskIDs []string
		if opts.AssignTasks && d.Applied.TasksToAssign > 0 {
			tasks, err := c.deps.Backlog.ListUnassignedTasks(ctx, snap.ProjectID, d.Applied.TasksToAssign)
			if err != nil {
				warn("list unassigned tasks: %v", err)
			}
			for _, t := range tasks {
				taskIDs = append(taskIDs, t.TaskID)
				if len(taskIDs) >= d.Applied.TasksToAssign {
					break
				}
			}
		}

		name := fmt.Sprintf("%s Sprint %s", snap.ProjectID, c.now().UTC().Format("2006-01-02"))
		sprint, err := c.deps.Sprints.CreateSprint(ctx, upstream.CreateSprintRequest{
			ProjectID:     snap.ProjectID,
			Name:          name,
			DurationWeeks: d.Applied.SprintDurationWeeks,
			TaskIDs:       taskIDs,
		})
		if err != nil {
			warn("create sprint: %v", err)
			break
		}
		result.sprintID = sprint.SprintID
		d.Applied.SprintName = sprint.Name
		result.actions = append(result.actions,
			fmt.Sprintf("Created sprint %s with %d tasks", sprint.Name, len(taskIDs)))

		if d.RuleBased.CreateCronjob {
			created, err := c.deps.Cron.Ensure(ctx, snap.ProjectID, sprint.SprintID)
			if err != nil {
				warn("create cronjob for sprint %s: %v", sprint.SprintID, err)
			} else if created {
				d.Applied.CronjobCreated = true
				result.actions = append(result.actions,
					fmt.Sprintf("Created cronjob %s", cronjob.JobName(snap.ProjectID, sprint.SprintID)))
			}
		}

	case d.RuleBased.EnsureCronjob && snap.CurrentActiveSprint != nil:
		sprintID := snap.CurrentActiveSprint.SprintID
		created, err := c.deps.Cron.Ensure(ctx, snap.ProjectID, sprintID)
		name := cronjob.JobName(snap.ProjectID, sprintID)
		switch {
		case err != nil:
			warn("ensure cronjob %s: %v", name, err)
		case created:
			d.Applied.CronjobCreated = true
			result.actions = append(result.actions, fmt.Sprintf("Created cronjob %s", name))
		default:
			result.actions = append(result.actions, fmt.Sprintf("Verified cronjob %s", name))
		}
	}

	// Approved scope reductions move their named tasks back to the
	// backlog. The other recommendation kinds stay advisory.
	for _, rec := range d.IntelligenceAdjustments.ActiveSprint {
		if rec.Kind != decision.ScopeReduction || !rec.Approved || len(rec.TasksToMove) == 0 {
			continue
		}
		if err := c.deps.Backlog.MoveTasksToBacklog(ctx, snap.ProjectID, rec.TasksToMove); err != nil {
			warn("move %d tasks to backlog: %v", len(rec.TasksToMove), err)
			continue
		}
		result.actions = append(result.actions,
			fmt.Sprintf("Moved %d tasks back to backlog from sprint %s",
				len(rec.TasksToMove), snap.CurrentActiveSprint.SprintID))
	}

	if len(result.actions) == 0 && len(d.Applied.Warnings) == 0 {
		result.actions = append(result.actions, "No action required")
	}
	return result
}

// recordEpisode persists the pass as an episodic memory. When the
// embedding service is down the configured policy decides between
// skipping the episode and storing it without a vector.
func (c *Coordinator) recordEpisode(ctx context.Context, snap *analyzer.Snapshot, d decision.Decision, result actionResult, policy config.EpisodePolicy, async bool) string {
	ep := memory.Episode{
		EpisodeID: uuid.NewString(),
		ProjectID: snap.ProjectID,
		Timestamp: c.now().UTC(),
		Perception: memory.Perception{
			ProjectStatus:      snap.ProjectStatus,
			TeamSize:           snap.TeamSize,
			BacklogTasks:       snap.BacklogTasks,
			UnassignedTasks:    snap.UnassignedTasks,
			ActiveSprints:      snap.ActiveSprintsCount,
			AvailabilityStatus: snap.TeamAvailability.Status,
		},
		Reasoning: memory.Reasoning{
			Headline:                d.RuleBased.Reasoning,
			DecisionMode:            d.IntelligenceMetadata.DecisionMode,
			OverallConfidence:       d.ConfidenceScores.OverallDecisionConfidence,
			SimilarProjectsAnalyzed: d.IntelligenceMetadata.SimilarProjectsAnalyzed,
			ModificationsApplied:    d.IntelligenceMetadata.ModificationsApplied,
		},
		Action: memory.Action{
			CreatedSprint:       d.Applied.CreateNewSprint && d.Applied.SprintName != "",
			TasksAssigned:       d.Applied.TasksToAssign,
			SprintDurationWeeks: d.Applied.SprintDurationWeeks,
			SprintClosed:        d.Applied.SprintClosureTriggered,
			CronjobCreated:      d.Applied.CronjobCreated,
			CronjobDeleted:      d.Applied.CronjobDeleted,
			Summary:             strings.Join(result.actions, "; "),
		},
		AgentVersion:   c.deps.AgentVersion,
		ControlMode:    "autonomous",
		DecisionSource: d.DecisionSource,
		SprintID:       result.sprintID,
		ExternalNoteID: result.noteID,
	}

	if async {
		go c.storeEpisode(context.WithoutCancel(ctx), ep, policy)
		return ep.EpisodeID
	}
	if !c.storeEpisode(ctx, ep, policy) {
		return ""
	}
	return ep.EpisodeID
}

func (c *Coordinator) storeEpisode(ctx context.Context, ep memory.Episode, policy config.EpisodePolicy) bool {
	vec, err := c.deps.Embedder.Embed(ctx, memory.CanonicalText(ep))
	if err != nil {
		if policy == config.EpisodeSkip {
			c.logger.Warn("episode skipped, no embedding available",
				"project_id", ep.ProjectID, "episode_id", ep.EpisodeID, "error", err)
			c.deps.Metrics.EpisodesSkipped.Inc()
			return false
		}
		c.logger.Warn("storing episode without embedding",
			"project_id", ep.ProjectID, "episode_id", ep.EpisodeID, "error", err)
		vec = nil
	}

	if _, err := c.deps.Memory.StoreEpisode(ctx, ep, vec); err != nil {
		c.logger.Error("episode store failed",
			"project_id", ep.ProjectID, "episode_id", ep.EpisodeID, "error", err)
		return false
	}
	c.deps.Metrics.EpisodesStored.Inc()
	return true
}

func (c *Coordinator) recordAdoption(ctx context.Context, projectID string, d decision.Decision, intel config.Intelligence) {
	invocations := 0
	if intel.Mode != config.ModeRuleBasedOnly {
		invocations = 1
	}
	recommendations := len(d.Candidates.ActiveSprint)
	if d.Candidates.TaskCount != nil {
		recommendations++
	}
	if d.Candidates.SprintDuration != nil {
		recommendations++
	}

	err := c.deps.State.RecordAdoption(ctx, projectID, invocations, recommendations, d.IntelligenceMetadata.ModificationsApplied)
	if err != nil {
		c.logger.Warn("adoption record failed", "project_id", projectID, "error", err)
	}
}

// keyedLocks hands out one mutex per project id.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
