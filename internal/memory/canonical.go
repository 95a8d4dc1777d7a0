package memory

import (
	"fmt"
	"strings"
)

// CanonicalText serialises an episode into the stable multi-line text
// that feeds the embedding service. The same episode always yields
// byte-identical output; field order, formatting and omissions are part
// of the contract, so any change invalidates previously stored vectors.
func CanonicalText(ep Episode) string {
	var b strings.Builder

	fmt.Fprintf(&b, "project: %s\n", ep.ProjectID)
	fmt.Fprintf(&b, "status: %s\n", ep.Perception.ProjectStatus)
	fmt.Fprintf(&b, "team_size: %d\n", ep.Perception.TeamSize)
	fmt.Fprintf(&b, "backlog_tasks: %d\n", ep.Perception.BacklogTasks)
	fmt.Fprintf(&b, "unassigned_tasks: %d\n", ep.Perception.UnassignedTasks)
	fmt.Fprintf(&b, "active_sprints: %d\n", ep.Perception.ActiveSprints)
	fmt.Fprintf(&b, "availability: %s\n", ep.Perception.AvailabilityStatus)
	fmt.Fprintf(&b, "action: created=%t tasks_assigned=%d duration_weeks=%d closed=%t\n",
		ep.Action.CreatedSprint, ep.Action.TasksAssigned, ep.Action.SprintDurationWeeks, ep.Action.SprintClosed)
	fmt.Fprintf(&b, "reasoning: %s\n", ep.Reasoning.Headline)
	fmt.Fprintf(&b, "decision_source: %s\n", ep.DecisionSource)
	fmt.Fprintf(&b, "control_mode: %s", ep.ControlMode)

	return b.String()
}

// ProjectQueryText builds the canonical query text for similarity search
// over a project's current state, mirroring the episode layout so query
// and corpus share an embedding space.
func ProjectQueryText(projectID, status string, teamSize, backlogTasks, unassignedTasks, activeSprints int, availability string) string {
	ep := Episode{
		ProjectID: projectID,
		Perception: Perception{
			ProjectStatus:      status,
			TeamSize:           teamSize,
			BacklogTasks:       backlogTasks,
			UnassignedTasks:    unassignedTasks,
			ActiveSprints:      activeSprints,
			AvailabilityStatus: availability,
		},
	}
	return CanonicalText(ep)
}
