// Package patterns derives cross-project intelligence from the episodic
// memory: similar historical projects, velocity trends and success
// indicators, rolled up into a gated overall confidence.
package patterns

// SimilarProject is one historical project retained from vector search,
// aggregated from its stored episodes.
type SimilarProject struct {
	ProjectID             string   `json:"project_id"`
	SimilarityScore       float64  `json:"similarity_score"`
	TeamSize              int      `json:"team_size"`
	CompletionRate        float64  `json:"completion_rate"`
	AvgSprintDurationDays float64  `json:"avg_sprint_duration_days"`
	OptimalTaskCount      *int     `json:"optimal_task_count,omitempty"`
	KeySuccessFactors     []string `json:"key_success_factors"`
}

// Trend directions for the velocity regression.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// VelocityTrends summarises the project's own recent velocity history.
// Confidence is the signed coefficient of determination: magnitude is
// fit quality, sign follows the slope.
type VelocityTrends struct {
	CurrentTeamVelocity float64    `json:"current_team_velocity"`
	HistoricalRange     [2]float64 `json:"historical_range"`
	TrendDirection      string     `json:"trend_direction"`
	Confidence          float64    `json:"confidence"`
	PatternNote         string     `json:"pattern_note"`
}

// SuccessIndicators are the derived planning recommendations.
type SuccessIndicators struct {
	OptimalTasksPerSprint     int      `json:"optimal_tasks_per_sprint"`
	RecommendedSprintDuration int      `json:"recommended_sprint_duration"`
	SuccessProbability        float64  `json:"success_probability"`
	RiskFactors               []string `json:"risk_factors"`
}

// Analysis is the full intelligence output for one orchestration pass.
// DataAvailable is false when no usable history exists; consumers must
// then fall back to the rule-based decision unchanged.
type Analysis struct {
	DataAvailable     bool              `json:"data_available"`
	SimilarProjects   []SimilarProject  `json:"similar_projects"`
	VelocityTrends    VelocityTrends    `json:"velocity_trends"`
	SuccessIndicators SuccessIndicators `json:"success_indicators"`
	OverallConfidence float64           `json:"overall_confidence"`
}

// ProjectContext is the snapshot subset the engine embeds and searches
// on.
type ProjectContext struct {
	ProjectID          string
	Status             string
	TeamSize           int
	BacklogTasks       int
	UnassignedTasks    int
	ActiveSprints      int
	AvailabilityStatus string
}
