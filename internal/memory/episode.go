// Package memory is the vector-backed agent memory: episodic records of
// every orchestration decision, semantic knowledge distilled from them,
// and a short-lived working-memory cache per project.
package memory

import "time"

// Perception is the snapshot subset captured with each episode.
type Perception struct {
	ProjectStatus      string `json:"project_status"`
	TeamSize           int    `json:"team_size"`
	BacklogTasks       int    `json:"backlog_tasks"`
	UnassignedTasks    int    `json:"unassigned_tasks"`
	ActiveSprints      int    `json:"active_sprints"`
	AvailabilityStatus string `json:"availability_status"`
}

// Reasoning captures the pipeline state that produced the action.
type Reasoning struct {
	Headline                string  `json:"headline"`
	DecisionMode            string  `json:"decision_mode"`
	OverallConfidence       float64 `json:"overall_confidence"`
	SimilarProjectsAnalyzed int     `json:"similar_projects_analyzed"`
	ModificationsApplied    int     `json:"modifications_applied"`
}

// Action is what the orchestrator actually did.
type Action struct {
	CreatedSprint       bool   `json:"created_sprint"`
	TasksAssigned       int    `json:"tasks_assigned"`
	SprintDurationWeeks int    `json:"sprint_duration_weeks"`
	SprintClosed        bool   `json:"sprint_closed"`
	CronjobCreated      bool   `json:"cronjob_created"`
	CronjobDeleted      bool   `json:"cronjob_deleted"`
	Summary             string `json:"summary"`
}

// Outcome is the observed sprint result, back-filled after the sprint
// ends.
type Outcome struct {
	SprintCompleted bool    `json:"sprint_completed"`
	CompletionRate  float64 `json:"completion_rate"`
	VelocityDelta   float64 `json:"velocity_delta"`
	Notes           string  `json:"notes,omitempty"`
}

// Episode is one perception → reasoning → action → outcome record.
type Episode struct {
	EpisodeID         string
	ProjectID         string
	Timestamp         time.Time
	Perception        Perception
	Reasoning         Reasoning
	Action            Action
	Outcome           *Outcome
	OutcomeQuality    *float64
	OutcomeRecordedAt *time.Time
	AgentVersion      string
	ControlMode       string
	DecisionSource    string
	SprintID          string
	ExternalNoteID    string
}

// SimilarEpisode is an episode returned from vector search together with
// its cosine similarity to the query.
type SimilarEpisode struct {
	Episode
	Similarity float64
}
