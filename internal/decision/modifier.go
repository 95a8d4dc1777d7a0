package decision

import (
	"fmt"
	"math"
	"time"

	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/patterns"
	"github.com/antigravity-dev/helmsman/internal/planner"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// ModifierInput carries everything the modifier inspects. ActiveTasks
// lists the incomplete tasks of the active sprint when one exists; it
// feeds tasks_to_move on scope-reduction recommendations.
type ModifierInput struct {
	Plan        planner.Plan
	Snapshot    *analyzer.Snapshot
	Analysis    patterns.Analysis
	ActiveStats *upstream.SprintTaskStats
	ActiveTasks []upstream.Task
	Options     planner.Options
	Now         time.Time
}

// Lag ratios separating the active-sprint recommendation kinds. The
// ratio is (expected completed − actual completed) / total.
const (
	riskFlagLag         = 0.15
	scopeReductionLag   = 0.35
	earlyTerminationLag = 0.6
)

// Candidates proposes adjustments against the rule-based plan. Every
// threshold comes from the config snapshot; nothing here approves a
// candidate, that is the gate's job.
func Candidates(in ModifierInput, cfg config.Intelligence) Adjustments {
	var adj Adjustments
	if !in.Analysis.DataAvailable {
		return adj
	}

	if in.Plan.CreateNewSprint {
		if cfg.EnableTaskCountAdjustment {
			adj.TaskCount = taskCountCandidate(in, cfg)
		}
		if cfg.EnableSprintDurationAdjustment {
			adj.SprintDuration = sprintDurationCandidate(in, cfg)
		}
	}
	if in.Snapshot.CurrentActiveSprint != nil && in.ActiveStats != nil {
		adj.ActiveSprint = activeSprintRecommendations(in)
	}
	return adj
}

// taskCountCandidate proposes replacing the rule-based task count with
// the mean optimal count of sufficiently similar projects.
func taskCountCandidate(in ModifierInput, cfg config.Intelligence) *Adjustment {
	var (
		sum        float64
		confidence float64
		n          int
	)
	for _, p := range in.Analysis.SimilarProjects {
		if p.SimilarityScore <= cfg.SimilarityFloor || p.OptimalTaskCount == nil {
			continue
		}
		sum += float64(*p.OptimalTaskCount)
		confidence += p.SimilarityScore
		n++
	}
	if n < cfg.MinSimilarProjects {
		return nil
	}

	avgOptimal := sum / float64(n)
	avgConfidence := confidence / float64(n)
	if math.Abs(float64(in.Plan.TasksToAssign)-avgOptimal) <= cfg.TaskAdjustmentDifferenceThreshold {
		return nil
	}
	if avgConfidence <= cfg.TaskAdjustmentMinConfidence {
		return nil
	}

	proposed := clampTasks(int(math.Round(avgOptimal)), in.Options.MaxTasksPerSprint)
	return &Adjustment{
		Original:       in.Plan.TasksToAssign,
		Intelligence:   proposed,
		Applied:        in.Plan.TasksToAssign,
		Confidence:     avgConfidence,
		EvidenceSource: fmt.Sprintf("%d similar projects", n),
		Rationale: fmt.Sprintf("similar projects succeeded with %.1f tasks per sprint, rule-based plan has %d",
			avgOptimal, in.Plan.TasksToAssign),
	}
}

// sprintDurationCandidate proposes the historically recommended sprint
// length when it differs by more than one week and the velocity trend
// is trustworthy.
func sprintDurationCandidate(in ModifierInput, cfg config.Intelligence) *Adjustment {
	recommended := in.Analysis.SuccessIndicators.RecommendedSprintDuration
	if recommended <= 0 {
		return nil
	}
	diff := recommended - in.Plan.SprintDurationWeeks
	if diff >= -1 && diff <= 1 {
		return nil
	}
	trendConfidence := math.Abs(in.Analysis.VelocityTrends.Confidence)
	if trendConfidence <= cfg.VelocityTrendMin {
		return nil
	}

	return &Adjustment{
		Original:       in.Plan.SprintDurationWeeks,
		Intelligence:   recommended,
		Applied:        in.Plan.SprintDurationWeeks,
		Confidence:     trendConfidence,
		EvidenceSource: "velocity trend and similar project durations",
		Rationale: fmt.Sprintf("similar projects run %d-week sprints with %s velocity",
			recommended, in.Analysis.VelocityTrends.TrendDirection),
	}
}

// activeSprintRecommendations classifies how far the active sprint has
// fallen behind its forecast burndown.
func activeSprintRecommendations(in ModifierInput) []ActiveSprintRecommendation {
	stats := in.ActiveStats
	sprint := in.Snapshot.CurrentActiveSprint
	if stats.Total == 0 {
		return nil
	}

	elapsed := elapsedFraction(sprint, in.Now)
	expected := elapsed * float64(stats.Total)
	lag := (expected - float64(stats.Completed)) / float64(stats.Total)
	if lag < riskFlagLag {
		return nil
	}

	confidence := math.Min(lag, 1)
	evidence := fmt.Sprintf("burndown %.0f%% behind forecast at %.0f%% elapsed", lag*100, elapsed*100)

	switch {
	case lag >= earlyTerminationLag:
		return []ActiveSprintRecommendation{{
			Kind:           EarlyTermination,
			Confidence:     confidence,
			EvidenceSource: evidence,
			Rationale:      fmt.Sprintf("sprint %s is too far behind to recover, consider closing early", sprint.SprintID),
		}}
	case lag >= scopeReductionLag:
		return []ActiveSprintRecommendation{{
			Kind:           ScopeReduction,
			Confidence:     confidence,
			EvidenceSource: evidence,
			Rationale:      fmt.Sprintf("sprint %s needs reduced scope to finish on time", sprint.SprintID),
			TasksToMove:    tasksToMove(in.ActiveTasks, stats),
		}}
	default:
		return []ActiveSprintRecommendation{{
			Kind:           RiskFlag,
			Confidence:     confidence,
			EvidenceSource: evidence,
			Rationale:      fmt.Sprintf("sprint %s is trending behind forecast", sprint.SprintID),
		}}
	}
}

func elapsedFraction(sprint *upstream.Sprint, now time.Time) float64 {
	total := sprint.EndDate.Sub(sprint.StartDate)
	if total <= 0 {
		return 1
	}
	frac := float64(now.Sub(sprint.StartDate)) / float64(total)
	return math.Max(0, math.Min(frac, 1))
}

// tasksToMove picks the excess incomplete tasks, preferring the ones
// listed last (most recently added to the sprint).
func tasksToMove(tasks []upstream.Task, stats *upstream.SprintTaskStats) []string {
	if len(tasks) == 0 {
		return nil
	}
	excess := stats.Remaining / 2
	if excess == 0 {
		excess = 1
	}
	if excess > len(tasks) {
		excess = len(tasks)
	}
	ids := make([]string, 0, excess)
	for i := len(tasks) - excess; i < len(tasks); i++ {
		ids = append(ids, tasks[i].TaskID)
	}
	return ids
}

func clampTasks(n, max int) int {
	if n < 1 {
		return 1
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
