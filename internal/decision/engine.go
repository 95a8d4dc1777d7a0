package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/metrics"
	"github.com/antigravity-dev/helmsman/internal/patterns"
	"github.com/antigravity-dev/helmsman/internal/planner"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// PatternAnalyzer is the slice of the pattern engine the decision
// engine drives.
type PatternAnalyzer interface {
	Analyze(ctx context.Context, pc patterns.ProjectContext, cfg config.Intelligence) (patterns.Analysis, error)
}

// Engine runs the two-stage decision pipeline: rule-based baseline
// first, then gated intelligence adjustments on top. Any intelligence
// failure degrades to the baseline; the orchestration never fails
// because intelligence did.
type Engine struct {
	patterns PatternAnalyzer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(patternEngine PatternAnalyzer, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		patterns: patternEngine,
		metrics:  m,
		logger:   logger.With("component", "decision_engine"),
		now:      time.Now,
	}
}

// Input is one decision request.
type Input struct {
	Snapshot    *analyzer.Snapshot
	Plan        planner.Plan
	ActiveStats *upstream.SprintTaskStats
	ActiveTasks []upstream.Task
	Options     planner.Options
}

// Decide produces the final decision. The config snapshot is captured
// once by the caller and passed through so every threshold in the pass
// is consistent.
func (e *Engine) Decide(ctx context.Context, in Input, cfg config.Intelligence) Decision {
	d := baseline(in)
	d.IntelligenceMetadata.DecisionMode = string(cfg.Mode)

	if cfg.Mode == config.ModeRuleBasedOnly {
		return d
	}

	e.metrics.IntelligenceInvocations.Inc()
	analysis, err := e.patterns.Analyze(ctx, in.Snapshot.PatternContext(), cfg)
	if err != nil {
		e.logger.Warn("intelligence unavailable, falling back to rule-based decision",
			"project_id", in.Snapshot.ProjectID, "error", err)
		e.metrics.IntelligenceFallbacks.Inc()
		return d
	}
	in.Snapshot.AttachAnalysis(analysis)
	d.IntelligenceMetadata.SimilarProjectsAnalyzed = len(analysis.SimilarProjects)
	d.IntelligenceMetadata.HistoricalDataQuality = in.Snapshot.DataQuality
	d.IntelligenceMetadata.PredictionConfidence = analysis.OverallConfidence

	candidates := Candidates(ModifierInput{
		Plan:        in.Plan,
		Snapshot:    in.Snapshot,
		Analysis:    analysis,
		ActiveStats: in.ActiveStats,
		ActiveTasks: in.ActiveTasks,
		Options:     in.Options,
		Now:         e.now().UTC(),
	}, cfg)
	d.Candidates = candidates
	countCandidates(e.metrics, candidates)

	gated := Gate(candidates, analysis.OverallConfidence, cfg.ConfidenceThreshold, cfg.ConfidenceThreshold)
	d.ConfidenceScores = gated.Scores

	if gated.ModificationsApplied == 0 {
		// Gated out entirely: the response stays rule-based with no
		// visible adjustments, only the audit trail keeps the candidates.
		return d
	}

	d.IntelligenceAdjustments = gated.Approved
	d.DecisionSource = SourceIntelligence
	d.IntelligenceMetadata.ModificationsApplied = gated.ModificationsApplied
	e.metrics.AdjustmentsApplied.Add(float64(gated.ModificationsApplied))

	if adj := gated.Approved.TaskCount; adj != nil {
		d.Applied.TasksToAssign = adj.Applied
	}
	if adj := gated.Approved.SprintDuration; adj != nil {
		d.Applied.SprintDurationWeeks = adj.Applied
	}
	return d
}

// baseline translates the planner output into a rule-based decision.
func baseline(in Input) Decision {
	return Decision{
		RuleBased: in.Plan,
		Applied: Applied{
			CreateNewSprint:        in.Plan.CreateNewSprint,
			TasksToAssign:          in.Plan.TasksToAssign,
			SprintDurationWeeks:    in.Plan.SprintDurationWeeks,
			SprintClosureTriggered: in.Plan.SprintClosureTriggered,
			SprintIDToClose:        in.Plan.SprintIDToClose,
			Warnings:               append([]string(nil), in.Plan.Warnings...),
		},
		DecisionSource: SourceRuleBased,
		IntelligenceMetadata: IntelligenceMetadata{
			FallbackAvailable:     true,
			HistoricalDataQuality: "none",
		},
	}
}

func countCandidates(m *metrics.Metrics, adj Adjustments) {
	n := len(adj.ActiveSprint)
	if adj.TaskCount != nil {
		n++
	}
	if adj.SprintDuration != nil {
		n++
	}
	if n > 0 {
		m.RecommendationsGenerated.Add(float64(n))
	}
}
