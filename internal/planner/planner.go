// Package planner produces the deterministic rule-based baseline
// decision from a project snapshot.
package planner

import (
	"fmt"
	"time"

	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// Options are the per-request planning options.
type Options struct {
	CreateSprintIfNeeded bool `json:"create_sprint_if_needed"`
	AssignTasks          bool `json:"assign_tasks"`
	CreateCronjob        bool `json:"create_cronjob"`
	SprintDurationWeeks  int  `json:"sprint_duration_weeks"`
	MaxTasksPerSprint    int  `json:"max_tasks_per_sprint"`
}

// Plan is the rule-based baseline. It is the floor every orchestration
// can fall back to when intelligence is unavailable.
type Plan struct {
	CreateNewSprint        bool     `json:"create_new_sprint"`
	TasksToAssign          int      `json:"tasks_to_assign"`
	SprintDurationWeeks    int      `json:"sprint_duration_weeks"`
	SprintClosureTriggered bool     `json:"sprint_closure_triggered"`
	SprintIDToClose        string   `json:"sprint_id_to_close,omitempty"`
	EnsureCronjob          bool     `json:"ensure_cronjob"`
	CreateCronjob          bool     `json:"create_cronjob"`
	Reasoning              string   `json:"reasoning"`
	Warnings               []string `json:"warnings"`
}

// Build evaluates the baseline branches in priority order: sprint
// closure, self-heal, new sprint, no action. Availability conflicts
// append warnings but never block planning.
func Build(snap *analyzer.Snapshot, activeStats *upstream.SprintTaskStats, opts Options) Plan {
	plan := Plan{SprintDurationWeeks: opts.SprintDurationWeeks}

	switch {
	case snap.CurrentActiveSprint != nil && activeStats != nil && activeStats.AllComplete():
		plan.SprintClosureTriggered = true
		plan.SprintIDToClose = snap.CurrentActiveSprint.SprintID
		plan.Reasoning = fmt.Sprintf("sprint %s has all %d tasks complete, closing",
			snap.CurrentActiveSprint.SprintID, activeStats.Total)

	case snap.CurrentActiveSprint != nil:
		plan.EnsureCronjob = true
		plan.Reasoning = fmt.Sprintf("sprint %s still in progress, self-healing scheduled job",
			snap.CurrentActiveSprint.SprintID)

	case snap.UnassignedTasks > 0 && opts.CreateSprintIfNeeded:
		plan.CreateNewSprint = true
		plan.TasksToAssign = min(snap.UnassignedTasks, opts.MaxTasksPerSprint)
		plan.CreateCronjob = opts.CreateCronjob
		plan.Reasoning = fmt.Sprintf("no active sprint, %d unassigned tasks, creating %d-week sprint with %d tasks",
			snap.UnassignedTasks, plan.SprintDurationWeeks, plan.TasksToAssign)

	default:
		plan.Reasoning = "no action required"
	}

	plan.Warnings = conflictWarnings(snap, plan)
	return plan
}

// conflictWarnings flags availability conflicts inside the planned
// window. The snapshot's conflicts are already bounded to the window
// the analyzer queried.
func conflictWarnings(snap *analyzer.Snapshot, plan Plan) []string {
	if !plan.CreateNewSprint && !plan.EnsureCronjob {
		return nil
	}
	var warnings []string
	for _, c := range snap.TeamAvailability.Conflicts {
		warnings = append(warnings, fmt.Sprintf("%s on %s affects planned sprint window: %s",
			c.Type, c.Date.Format(time.DateOnly), c.Name))
	}
	return warnings
}
