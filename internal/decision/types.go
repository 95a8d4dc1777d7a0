// Package decision composes the rule-based baseline with gated
// intelligence adjustments into the final orchestration decision.
package decision

import (
	"github.com/antigravity-dev/helmsman/internal/planner"
)

// Decision sources.
const (
	SourceRuleBased    = "rule_based_only"
	SourceIntelligence = "intelligence_enhanced"
)

// Adjustment is one candidate modification of a rule-based value.
// Applied equals Original until the confidence gate approves the
// candidate.
type Adjustment struct {
	Original       int     `json:"original"`
	Intelligence   int     `json:"intelligence"`
	Applied        int     `json:"applied"`
	Confidence     float64 `json:"confidence"`
	EvidenceSource string  `json:"evidence_source"`
	Rationale      string  `json:"rationale"`
	Approved       bool    `json:"approved"`
}

// RecommendationKind classifies active-sprint recommendations.
type RecommendationKind string

const (
	ScopeReduction   RecommendationKind = "SCOPE_REDUCTION"
	RiskFlag         RecommendationKind = "RISK_FLAG"
	EarlyTermination RecommendationKind = "EARLY_TERMINATION"
)

// ActiveSprintRecommendation is the modifier's output for an in-flight
// sprint. Risk flags and early terminations stay advisory; an approved
// scope reduction names the tasks the orchestrator moves back to the
// backlog.
type ActiveSprintRecommendation struct {
	Kind           RecommendationKind `json:"kind"`
	Confidence     float64            `json:"confidence"`
	EvidenceSource string             `json:"evidence_source"`
	Rationale      string             `json:"rationale"`
	TasksToMove    []string           `json:"tasks_to_move,omitempty"`
	Approved       bool               `json:"approved"`
}

// Adjustments groups every candidate produced by the modifier.
type Adjustments struct {
	TaskCount      *Adjustment                  `json:"task_count_modification,omitempty"`
	SprintDuration *Adjustment                  `json:"sprint_duration_modification,omitempty"`
	ActiveSprint   []ActiveSprintRecommendation `json:"active_sprint_recommendations,omitempty"`
}

// Empty reports whether no candidates exist at all.
func (a Adjustments) Empty() bool {
	return a.TaskCount == nil && a.SprintDuration == nil && len(a.ActiveSprint) == 0
}

// Applied is the final actionable decision after gating.
type Applied struct {
	CreateNewSprint        bool     `json:"create_new_sprint"`
	TasksToAssign          int      `json:"tasks_to_assign"`
	SprintDurationWeeks    int      `json:"sprint_duration_weeks"`
	SprintClosureTriggered bool     `json:"sprint_closure_triggered"`
	SprintIDToClose        string   `json:"sprint_id_to_close,omitempty"`
	CronjobCreated         bool     `json:"cronjob_created"`
	CronjobDeleted         bool     `json:"cronjob_deleted"`
	SprintName             string   `json:"sprint_name,omitempty"`
	Warnings               []string `json:"warnings"`
}

// ConfidenceScores records the aggregate gate verdict.
type ConfidenceScores struct {
	OverallDecisionConfidence float64 `json:"overall_decision_confidence"`
	IntelligenceThresholdMet  bool    `json:"intelligence_threshold_met"`
	MinimumThreshold          float64 `json:"minimum_threshold"`
}

// IntelligenceMetadata describes how the pipeline behaved for this
// decision regardless of whether adjustments were applied.
type IntelligenceMetadata struct {
	DecisionMode            string  `json:"decision_mode"`
	ModificationsApplied    int     `json:"modifications_applied"`
	FallbackAvailable       bool    `json:"fallback_available"`
	SimilarProjectsAnalyzed int     `json:"similar_projects_analyzed"`
	HistoricalDataQuality   string  `json:"historical_data_quality"`
	PredictionConfidence    float64 `json:"prediction_confidence"`
}

// Decision is the full artefact produced per orchestration request.
// Candidates carries the ungated modifier output for the audit trail;
// IntelligenceAdjustments holds only what survived the gate.
type Decision struct {
	RuleBased               planner.Plan         `json:"rule_based"`
	IntelligenceAdjustments Adjustments          `json:"intelligence_adjustments"`
	Candidates              Adjustments          `json:"-"`
	Applied                 Applied              `json:"applied"`
	ConfidenceScores        ConfidenceScores     `json:"confidence_scores"`
	DecisionSource          string               `json:"decision_source"`
	IntelligenceMetadata    IntelligenceMetadata `json:"intelligence_metadata"`
}
