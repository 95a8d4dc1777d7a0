// Package config loads and validates the Helmsman TOML configuration.
//
// Every threshold the decision pipeline consults lives here; components
// receive a config snapshot explicitly and never read process globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General      General      `toml:"general"`
	API          API          `toml:"api"`
	Intelligence Intelligence `toml:"intelligence"`
	Memory       Memory       `toml:"memory"`
	Embedding    Embedding    `toml:"embedding"`
	Advisor      Advisor      `toml:"advisor"`
	Upstream     Upstream     `toml:"upstream"`
	Events       Events       `toml:"events"`
	Cronjob      Cronjob      `toml:"cronjob"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	Strategy     Strategy     `toml:"strategy"`
	Features     Features     `toml:"features"`
	Projects     []string     `toml:"projects"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
}

type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity guards the mutating API endpoints. With auth disabled,
// require_local_only still restricts control calls to loopback and
// private addresses.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// DecisionMode selects how much weight intelligence carries over the
// rule-based baseline.
type DecisionMode string

const (
	ModeRuleBasedOnly        DecisionMode = "rule_based_only"
	ModeIntelligenceEnhanced DecisionMode = "intelligence_enhanced"
	ModeHybrid               DecisionMode = "hybrid"
)

type Intelligence struct {
	Mode                              DecisionMode `toml:"mode"`
	ConfidenceThreshold               float64      `toml:"confidence_threshold"`
	TaskAdjustmentDifferenceThreshold float64      `toml:"task_adjustment_difference_threshold"`
	TaskAdjustmentMinConfidence       float64      `toml:"task_adjustment_min_confidence"`
	SimilarityFloor                   float64      `toml:"similarity_floor"`
	SimilarityMin                     float64      `toml:"similarity_min"`
	VelocityTrendMin                  float64      `toml:"velocity_trend_min"`
	MinSimilarProjects                int          `toml:"min_similar_projects"`
	MaxSimilarProjects                int          `toml:"max_similar_projects"`
	VelocityWindow                    int          `toml:"velocity_window"`
	EnableTaskCountAdjustment         bool         `toml:"enable_task_count_adjustment"`
	EnableSprintDurationAdjustment    bool         `toml:"enable_sprint_duration_adjustment"`
}

// EpisodePolicy controls what happens to an episode when the embedding
// service cannot produce a vector for it.
type EpisodePolicy string

const (
	EpisodeSkip      EpisodePolicy = "skip"
	EpisodeStoreNull EpisodePolicy = "store_null"
)

type Memory struct {
	DB                      string        `toml:"db"`
	PoolMin                 int           `toml:"pool_min"`
	PoolMax                 int           `toml:"pool_max"`
	PoolRecycle             Duration      `toml:"pool_recycle"`
	WorkingMemoryTTL        Duration      `toml:"working_memory_ttl"`
	Distance                string        `toml:"distance"`
	EpisodeWithoutEmbedding EpisodePolicy `toml:"episode_without_embedding"`
}

type Embedding struct {
	BaseURL      string           `toml:"base_url"`
	Model        string           `toml:"model"`
	Dimensions   int              `toml:"dimensions"`
	Timeout      Duration         `toml:"timeout"`
	MaxRetries   int              `toml:"max_retries"`
	RetryBackoff Duration         `toml:"retry_backoff"`
	Circuit      EmbeddingCircuit `toml:"circuit"`
}

type EmbeddingCircuit struct {
	FailureThreshold int      `toml:"failure_threshold"`
	CoolDown         Duration `toml:"cool_down"`
}

type Advisor struct {
	Enabled    bool     `toml:"enabled"`
	Model      string   `toml:"model"`
	ServiceURL string   `toml:"service_url"`
	Timeout    Duration `toml:"timeout"`
}

type Upstream struct {
	ProjectURL   string   `toml:"project_url"`
	BacklogURL   string   `toml:"backlog_url"`
	SprintURL    string   `toml:"sprint_url"`
	ChronicleURL string   `toml:"chronicle_url"`
	SchedulerURL string   `toml:"scheduler_url"`
	Timeout      Duration `toml:"timeout"`
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff Duration `toml:"retry_backoff"`
}

type Events struct {
	Enabled   bool     `toml:"enabled"`
	StreamURL string   `toml:"stream_url"`
	Timeout   Duration `toml:"timeout"`
}

// Cronjob configures the daily-scrum scheduled job manifests.
type Cronjob struct {
	Schedule  string `toml:"schedule"`
	Image     string `toml:"image"`
	HealthURL string `toml:"health_url"`
}

type Orchestrator struct {
	TickInterval              Duration `toml:"tick_interval"`
	MaxTasksPerSprint         int      `toml:"max_tasks_per_sprint"`
	SprintDurationWeeks       int      `toml:"sprint_duration_weeks"`
	OutcomeBackfillInterval   Duration `toml:"outcome_backfill_interval"`
	StrategyEvolutionInterval Duration `toml:"strategy_evolution_interval"`
}

type Strategy struct {
	RetireThreshold      float64 `toml:"retire_threshold"`
	MinContradictions    int     `toml:"min_contradictions"`
	DeprecateSuccessRate float64 `toml:"deprecate_success_rate"`
	DeprecateMinApplied  int     `toml:"deprecate_min_applied"`
	SynthesisMinSupport  int     `toml:"synthesis_min_support"`
}

type Features struct {
	EnableAsyncLearning        bool `toml:"enable_async_learning"`
	EnableStrategyEvolution    bool `toml:"enable_strategy_evolution"`
	EnableCrossProjectLearning bool `toml:"enable_cross_project_learning"`
}

// Load reads and validates a Helmsman TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8087"
	}

	if cfg.Intelligence.Mode == "" {
		cfg.Intelligence.Mode = ModeIntelligenceEnhanced
	}
	if cfg.Intelligence.ConfidenceThreshold == 0 {
		cfg.Intelligence.ConfidenceThreshold = 0.75
	}
	if cfg.Intelligence.TaskAdjustmentDifferenceThreshold == 0 {
		cfg.Intelligence.TaskAdjustmentDifferenceThreshold = 1
	}
	if cfg.Intelligence.TaskAdjustmentMinConfidence == 0 {
		cfg.Intelligence.TaskAdjustmentMinConfidence = 0.6
	}
	if cfg.Intelligence.SimilarityFloor == 0 {
		cfg.Intelligence.SimilarityFloor = 0.5
	}
	if cfg.Intelligence.SimilarityMin == 0 {
		cfg.Intelligence.SimilarityMin = 0.4
	}
	if cfg.Intelligence.VelocityTrendMin == 0 {
		cfg.Intelligence.VelocityTrendMin = 0.3
	}
	if cfg.Intelligence.MinSimilarProjects == 0 {
		cfg.Intelligence.MinSimilarProjects = 3
	}
	if cfg.Intelligence.MaxSimilarProjects == 0 {
		cfg.Intelligence.MaxSimilarProjects = 10
	}
	if cfg.Intelligence.VelocityWindow == 0 {
		cfg.Intelligence.VelocityWindow = 6
	}

	if cfg.Memory.DB == "" {
		cfg.Memory.DB = "helmsman-memory.db"
	}
	if cfg.Memory.PoolMin == 0 {
		cfg.Memory.PoolMin = 2
	}
	if cfg.Memory.PoolMax == 0 {
		cfg.Memory.PoolMax = 10
	}
	if cfg.Memory.PoolRecycle.Duration == 0 {
		cfg.Memory.PoolRecycle.Duration = 30 * time.Minute
	}
	if cfg.Memory.WorkingMemoryTTL.Duration == 0 {
		cfg.Memory.WorkingMemoryTTL.Duration = 15 * time.Minute
	}
	if cfg.Memory.Distance == "" {
		cfg.Memory.Distance = "cosine"
	}
	if cfg.Memory.EpisodeWithoutEmbedding == "" {
		cfg.Memory.EpisodeWithoutEmbedding = EpisodeSkip
	}

	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8086"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "mxbai-embed-large"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1024
	}
	if cfg.Embedding.Timeout.Duration == 0 {
		cfg.Embedding.Timeout.Duration = 10 * time.Second
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 2
	}
	if cfg.Embedding.RetryBackoff.Duration == 0 {
		cfg.Embedding.RetryBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Embedding.Circuit.FailureThreshold == 0 {
		cfg.Embedding.Circuit.FailureThreshold = 5
	}
	if cfg.Embedding.Circuit.CoolDown.Duration == 0 {
		cfg.Embedding.Circuit.CoolDown.Duration = 30 * time.Second
	}

	if cfg.Advisor.Model == "" {
		cfg.Advisor.Model = "llama3.1"
	}
	if cfg.Advisor.ServiceURL == "" {
		cfg.Advisor.ServiceURL = "http://localhost:11434"
	}
	if cfg.Advisor.Timeout.Duration == 0 {
		cfg.Advisor.Timeout.Duration = 20 * time.Second
	}

	if cfg.Events.Timeout.Duration == 0 {
		cfg.Events.Timeout.Duration = 5 * time.Second
	}

	if cfg.Upstream.Timeout.Duration == 0 {
		cfg.Upstream.Timeout.Duration = 10 * time.Second
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = 2
	}
	if cfg.Upstream.RetryBackoff.Duration == 0 {
		cfg.Upstream.RetryBackoff.Duration = 250 * time.Millisecond
	}

	if cfg.Cronjob.Schedule == "" {
		cfg.Cronjob.Schedule = "0 9 * * 1-5"
	}
	if cfg.Cronjob.Image == "" {
		cfg.Cronjob.Image = "ghcr.io/antigravity-dev/dailyscrum:latest"
	}
	if cfg.Cronjob.HealthURL == "" {
		cfg.Cronjob.HealthURL = "http://helmsman:8087/health/ready"
	}

	if cfg.Orchestrator.TickInterval.Duration == 0 {
		cfg.Orchestrator.TickInterval.Duration = 15 * time.Minute
	}
	if cfg.Orchestrator.MaxTasksPerSprint == 0 {
		cfg.Orchestrator.MaxTasksPerSprint = 10
	}
	if cfg.Orchestrator.SprintDurationWeeks == 0 {
		cfg.Orchestrator.SprintDurationWeeks = 2
	}
	if cfg.Orchestrator.OutcomeBackfillInterval.Duration == 0 {
		cfg.Orchestrator.OutcomeBackfillInterval.Duration = time.Hour
	}
	if cfg.Orchestrator.StrategyEvolutionInterval.Duration == 0 {
		cfg.Orchestrator.StrategyEvolutionInterval.Duration = 6 * time.Hour
	}

	if cfg.Strategy.RetireThreshold == 0 {
		cfg.Strategy.RetireThreshold = 0.2
	}
	if cfg.Strategy.MinContradictions == 0 {
		cfg.Strategy.MinContradictions = 3
	}
	if cfg.Strategy.DeprecateSuccessRate == 0 {
		cfg.Strategy.DeprecateSuccessRate = 0.4
	}
	if cfg.Strategy.DeprecateMinApplied == 0 {
		cfg.Strategy.DeprecateMinApplied = 5
	}
	if cfg.Strategy.SynthesisMinSupport == 0 {
		cfg.Strategy.SynthesisMinSupport = 3
	}
}

func validate(cfg *Config) error {
	switch cfg.Intelligence.Mode {
	case ModeRuleBasedOnly, ModeIntelligenceEnhanced, ModeHybrid:
	default:
		return fmt.Errorf("intelligence.mode %q is not one of rule_based_only, intelligence_enhanced, hybrid", cfg.Intelligence.Mode)
	}

	unitChecks := []struct {
		name  string
		value float64
	}{
		{"intelligence.confidence_threshold", cfg.Intelligence.ConfidenceThreshold},
		{"intelligence.task_adjustment_min_confidence", cfg.Intelligence.TaskAdjustmentMinConfidence},
		{"intelligence.similarity_floor", cfg.Intelligence.SimilarityFloor},
		{"intelligence.similarity_min", cfg.Intelligence.SimilarityMin},
		{"intelligence.velocity_trend_min", cfg.Intelligence.VelocityTrendMin},
		{"strategy.retire_threshold", cfg.Strategy.RetireThreshold},
		{"strategy.deprecate_success_rate", cfg.Strategy.DeprecateSuccessRate},
	}
	for _, check := range unitChecks {
		if check.value < 0 || check.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", check.name, check.value)
		}
	}

	if cfg.Memory.Distance != "cosine" {
		return fmt.Errorf("memory.distance %q is not supported; only cosine similarity is implemented", cfg.Memory.Distance)
	}
	switch cfg.Memory.EpisodeWithoutEmbedding {
	case EpisodeSkip, EpisodeStoreNull:
	default:
		return fmt.Errorf("memory.episode_without_embedding %q is not one of skip, store_null", cfg.Memory.EpisodeWithoutEmbedding)
	}
	if cfg.Memory.PoolMin > cfg.Memory.PoolMax {
		return fmt.Errorf("memory.pool_min (%d) exceeds memory.pool_max (%d)", cfg.Memory.PoolMin, cfg.Memory.PoolMax)
	}

	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Embedding.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("embedding.circuit.failure_threshold must be positive, got %d", cfg.Embedding.Circuit.FailureThreshold)
	}

	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security.allowed_tokens is required when api.security.enabled is set")
	}

	if cfg.Advisor.Enabled && cfg.Advisor.ServiceURL == "" {
		return fmt.Errorf("advisor.service_url is required when advisor.enabled is set")
	}
	if cfg.Events.Enabled && cfg.Events.StreamURL == "" {
		return fmt.Errorf("events.stream_url is required when events.enabled is set")
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
