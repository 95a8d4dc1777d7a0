package upstream

import "time"

// ProjectDetails is the project-service view of a managed project.
type ProjectDetails struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	TeamSize  int    `json:"team_size"`
}

// AvailabilityConflict is a single scheduling conflict inside the
// requested window.
type AvailabilityConflict struct {
	Type    string    `json:"type"`
	Date    time.Time `json:"date"`
	Name    string    `json:"name"`
	Details string    `json:"details"`
}

// TeamAvailability summarises team capacity over a date range.
type TeamAvailability struct {
	Status    string                 `json:"status"`
	Conflicts []AvailabilityConflict `json:"conflicts"`
}

// BacklogSummary reports backlog counts for a project. UnassignedForSprint
// counts tasks whose status is unassigned and which carry no sprint
// linkage.
type BacklogSummary struct {
	ProjectID           string `json:"project_id"`
	TotalTasks          int    `json:"total_tasks"`
	UnassignedForSprint int    `json:"unassigned_for_sprint_count"`
}

// Task is a backlog work item.
type Task struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	SprintID string `json:"sprint_id,omitempty"`
	Points   int    `json:"points,omitempty"`
}

// Sprint is the sprint-service view of a sprint.
type Sprint struct {
	SprintID      string    `json:"sprint_id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	DurationWeeks int       `json:"duration_weeks"`
}

// SprintTaskStats aggregates task completion inside a sprint.
type SprintTaskStats struct {
	SprintID  string `json:"sprint_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Remaining int    `json:"remaining"`
}

// AllComplete reports whether the sprint has work and all of it is done.
func (s SprintTaskStats) AllComplete() bool {
	return s.Total > 0 && s.Completed == s.Total
}

// SprintVelocity is one historical velocity observation.
type SprintVelocity struct {
	SprintID        string  `json:"sprint_id"`
	CompletedPoints float64 `json:"completed_points"`
	CompletionRate  float64 `json:"completion_rate"`
}

// CreateSprintRequest asks the sprint service to open a new sprint.
type CreateSprintRequest struct {
	ProjectID     string   `json:"project_id"`
	Name          string   `json:"name"`
	DurationWeeks int      `json:"duration_weeks"`
	TaskIDs       []string `json:"task_ids"`
}

// RetrospectiveNote is the chronicle-service payload for a sprint
// retrospective.
type RetrospectiveNote struct {
	ProjectID string `json:"project_id"`
	SprintID  string `json:"sprint_id"`
	Summary   string `json:"summary"`
	Body      string `json:"body"`
}
