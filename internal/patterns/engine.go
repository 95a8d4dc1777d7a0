package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/memory"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// EpisodeSearcher is the slice of the memory store the engine needs.
type EpisodeSearcher interface {
	FindSimilarEpisodes(ctx context.Context, queryVec []float32, excludeProjectID string, limit int, minSimilarity float64) ([]memory.SimilarEpisode, error)
}

// Embedder produces the query vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VelocityReader reads the project's own sprint velocity history,
// ordered oldest first.
type VelocityReader interface {
	GetVelocityHistory(ctx context.Context, projectID string, limit int) ([]upstream.SprintVelocity, error)
}

// SessionCache is the short-lived working-memory surface the engine
// uses to reuse a recent analysis for an unchanged project context.
type SessionCache interface {
	GetWorkingMemory(ctx context.Context, key string, out any) (bool, error)
	PutWorkingMemory(ctx context.Context, key string, payload any, ttl time.Duration) (string, error)
}

// Signal weights for the overall-confidence rollup. Normalised over the
// signals that actually contribute, so a missing signal does not drag
// confidence toward zero.
const (
	similarityWeight = 0.4
	velocityWeight   = 0.3
	successWeight    = 0.3
)

// Engine runs one intelligence analysis per orchestration pass.
type Engine struct {
	searcher   EpisodeSearcher
	embedder   Embedder
	velocities VelocityReader
	cache      SessionCache
	cacheTTL   time.Duration
	logger     *slog.Logger
}

func NewEngine(searcher EpisodeSearcher, embedder Embedder, velocities VelocityReader, logger *slog.Logger) *Engine {
	return &Engine{
		searcher:   searcher,
		embedder:   embedder,
		velocities: velocities,
		logger:     logger.With("component", "pattern_engine"),
	}
}

// UseSessionCache enables analysis reuse. A cached analysis is only
// served while the project context text is byte-identical.
func (e *Engine) UseSessionCache(cache SessionCache, ttl time.Duration) {
	e.cache = cache
	e.cacheTTL = ttl
}

// cachedAnalysis is the working-memory payload keyed per project.
type cachedAnalysis struct {
	QueryText string   `json:"query_text"`
	Analysis  Analysis `json:"analysis"`
}

// Analyze embeds the project context, retrieves similar historical
// projects and rolls velocity and success signals into an overall
// confidence. Thresholds come from the config snapshot captured at the
// start of the orchestration pass.
//
// Embedding or search failures propagate so the decision engine can
// fall back to the rule-based baseline. A velocity read failure only
// degrades the trend signal.
func (e *Engine) Analyze(ctx context.Context, pc ProjectContext, cfg config.Intelligence) (Analysis, error) {
	queryText := memory.ProjectQueryText(pc.ProjectID, pc.Status, pc.TeamSize,
		pc.BacklogTasks, pc.UnassignedTasks, pc.ActiveSprints, pc.AvailabilityStatus)

	cacheKey := pc.ProjectID + ":analysis"
	if e.cache != nil {
		var cached cachedAnalysis
		if ok, err := e.cache.GetWorkingMemory(ctx, cacheKey, &cached); err != nil {
			e.logger.Warn("session cache read failed", "project_id", pc.ProjectID, "error", err)
		} else if ok && cached.QueryText == queryText {
			e.logger.Debug("session cache hit", "project_id", pc.ProjectID)
			return cached.Analysis, nil
		}
	}

	queryVec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return Analysis{}, fmt.Errorf("embed project context: %w", err)
	}

	episodes, err := e.searcher.FindSimilarEpisodes(ctx, queryVec, pc.ProjectID,
		cfg.MaxSimilarProjects*3, cfg.SimilarityMin)
	if err != nil {
		return Analysis{}, fmt.Errorf("similarity search: %w", err)
	}
	projects := aggregateSimilarProjects(episodes, cfg.SimilarityMin, cfg.MaxSimilarProjects)

	history, err := e.velocities.GetVelocityHistory(ctx, pc.ProjectID, cfg.VelocityWindow)
	if err != nil {
		e.logger.Warn("velocity history unavailable, trend degraded",
			"project_id", pc.ProjectID, "error", err)
		history = nil
	}
	trend := velocityTrend(history)

	indicators := deriveIndicators(projects, trend)

	analysis := Analysis{
		DataAvailable:     len(projects) > 0,
		SimilarProjects:   projects,
		VelocityTrends:    trend,
		SuccessIndicators: indicators,
		OverallConfidence: overallConfidence(projects, trend, indicators, cfg),
	}

	if e.cache != nil {
		payload := cachedAnalysis{QueryText: queryText, Analysis: analysis}
		if _, err := e.cache.PutWorkingMemory(ctx, cacheKey, payload, e.cacheTTL); err != nil {
			e.logger.Warn("session cache write failed", "project_id", pc.ProjectID, "error", err)
		}
	}

	e.logger.Debug("analysis complete",
		"project_id", pc.ProjectID,
		"similar_projects", len(projects),
		"trend", trend.TrendDirection,
		"overall_confidence", analysis.OverallConfidence)
	return analysis, nil
}

// overallConfidence is the gated weighted sum of the contributing
// signals. Each signal must clear its own minimum before it counts.
func overallConfidence(projects []SimilarProject, trend VelocityTrends, ind SuccessIndicators, cfg config.Intelligence) float64 {
	var sum, weights float64

	if len(projects) > 0 {
		var mean float64
		for _, p := range projects {
			mean += p.SimilarityScore
		}
		mean /= float64(len(projects))
		if mean >= cfg.SimilarityMin {
			sum += similarityWeight * mean
			weights += similarityWeight
		}
	}

	if v := math.Abs(trend.Confidence); v > cfg.VelocityTrendMin {
		sum += velocityWeight * v
		weights += velocityWeight
	}

	if ind.SuccessProbability > 0 {
		sum += successWeight * ind.SuccessProbability
		weights += successWeight
	}

	if weights == 0 {
		return 0
	}
	return sum / weights
}
