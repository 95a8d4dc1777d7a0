// Package api serves the Helmsman HTTP surface: orchestration trigger,
// intelligence reports, decision-mode control and readiness.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/embedding"
	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/memory"
	"github.com/antigravity-dev/helmsman/internal/orchestrator"
	"github.com/antigravity-dev/helmsman/internal/store"
)

// Orchestrator triggers a full orchestration pass.
type Orchestrator interface {
	Orchestrate(ctx context.Context, projectID string, req orchestrator.Request) (*orchestrator.Response, error)
}

// MemoryReader is the read-only memory surface the API reports on.
type MemoryReader interface {
	Health() memory.PoolStatus
	OutcomeStatsBySource(ctx context.Context, projectID string) (map[string]memory.OutcomeStats, error)
}

// StateReader covers the persisted overrides, audit trail and adoption
// counters.
type StateReader interface {
	SetDecisionMode(ctx context.Context, o store.DecisionModeOverride) error
	GetDecisionMode(ctx context.Context, projectID string) (*store.DecisionModeOverride, error)
	AuditRecords(ctx context.Context, projectID string, limit int) ([]store.AuditRecord, error)
	GetAdoption(ctx context.Context, projectID string) (store.AdoptionMetrics, error)
}

// EmbeddingHealth is the embedding client's readiness surface.
type EmbeddingHealth interface {
	Health(ctx context.Context) (*embedding.HealthStatus, error)
	State() string
}

// Server is the HTTP API server.
type Server struct {
	cfg            *config.Manager
	coordinator    Orchestrator
	memory         MemoryReader
	state          StateReader
	embedding      EmbeddingHealth
	gatherer       prometheus.Gatherer
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server.
func NewServer(cfg *config.Manager, coordinator Orchestrator, mem MemoryReader, state StateReader, emb EmbeddingHealth, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	security := cfg.Get().API.Security
	authMiddleware, err := NewAuthMiddleware(&security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}

	return &Server{
		cfg:            cfg,
		coordinator:    coordinator,
		memory:         mem,
		state:          state,
		embedding:      emb,
		gatherer:       gatherer,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close closes the server and cleans up resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/orchestrate/project/", s.authMiddleware.RequireAuth(s.handleOrchestrate))
	mux.HandleFunc("/orchestrate/intelligence/", s.authMiddleware.RequireAuth(s.routeIntelligence))
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start begins listening on the configured bind address. Blocks until
// the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	bind := s.cfg.Get().API.Bind
	s.httpServer = &http.Server{
		Addr:        bind,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeKindError maps a classified error onto its status code. Internal
// detail for 5xx responses stays in the logs only.
func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	status := herrors.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type orchestrateRequest struct {
	Action  string               `json:"action"`
	Options orchestrator.Request `json:"options"`
}

// POST /orchestrate/project/{project_id}
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projectID := strings.TrimPrefix(r.URL.Path, "/orchestrate/project/")
	if projectID == "" || strings.Contains(projectID, "/") {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	var req orchestrateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Options.SprintDurationWeeks < 0 || req.Options.MaxTasksPerSprint < 0 {
		writeError(w, http.StatusBadRequest, "sprint_duration_weeks and max_tasks_per_sprint must not be negative")
		return
	}

	resp, err := s.coordinator.Orchestrate(r.Context(), projectID, req.Options)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) routeIntelligence(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/orchestrate/intelligence/")

	switch {
	case strings.HasPrefix(path, "decision-impact/"):
		s.handleDecisionImpact(w, r, strings.TrimPrefix(path, "decision-impact/"))
	case strings.HasPrefix(path, "decision-audit/"):
		s.handleDecisionAudit(w, r, strings.TrimPrefix(path, "decision-audit/"))
	case strings.HasPrefix(path, "performance/metrics/"):
		s.handlePerformanceMetrics(w, r, strings.TrimPrefix(path, "performance/metrics/"))
	case strings.HasPrefix(path, "project/") && strings.HasSuffix(path, "/decision-mode"):
		projectID := strings.TrimSuffix(strings.TrimPrefix(path, "project/"), "/decision-mode")
		s.handleDecisionMode(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// GET /orchestrate/intelligence/decision-impact/{project_id}
func (s *Server) handleDecisionImpact(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	stats, err := s.memory.OutcomeStatsBySource(r.Context(), projectID)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}

	ruleBased := stats["rule_based_only"]
	enhanced := stats["intelligence_enhanced"]

	report := map[string]any{
		"project_id":            projectID,
		"rule_based_only":       ruleBased,
		"intelligence_enhanced": enhanced,
	}
	comparison := map[string]any{}
	if ruleBased.WithOutcome == 0 || enhanced.WithOutcome == 0 {
		comparison["message"] = "insufficient outcome data to compare decision sources"
	} else {
		comparison["quality_delta"] = enhanced.MeanQuality - ruleBased.MeanQuality
		comparison["message"] = fmt.Sprintf(
			"intelligence-enhanced decisions average %.2f outcome quality vs %.2f rule-based",
			enhanced.MeanQuality, ruleBased.MeanQuality)
	}
	report["comparison_report"] = comparison

	writeJSON(w, report)
}

type decisionModeRequest struct {
	Mode                           string  `json:"mode"`
	ConfidenceThreshold            float64 `json:"confidence_threshold"`
	EnableTaskCountAdjustment      bool    `json:"enable_task_count_adjustment"`
	EnableSprintDurationAdjustment bool    `json:"enable_sprint_duration_adjustment"`
}

// POST /orchestrate/intelligence/project/{project_id}/decision-mode
func (s *Server) handleDecisionMode(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	var req decisionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	mode := config.DecisionMode(req.Mode)
	switch mode {
	case config.ModeRuleBasedOnly, config.ModeIntelligenceEnhanced, config.ModeHybrid:
	default:
		writeError(w, http.StatusBadRequest,
			"mode must be one of rule_based_only, intelligence_enhanced, hybrid")
		return
	}
	if req.ConfidenceThreshold < 0 || req.ConfidenceThreshold > 1 {
		writeError(w, http.StatusBadRequest, "confidence_threshold must be in [0,1]")
		return
	}

	override := store.DecisionModeOverride{
		ProjectID:                      projectID,
		Mode:                           mode,
		ConfidenceThreshold:            req.ConfidenceThreshold,
		EnableTaskCountAdjustment:      req.EnableTaskCountAdjustment,
		EnableSprintDurationAdjustment: req.EnableSprintDurationAdjustment,
	}
	if err := s.state.SetDecisionMode(r.Context(), override); err != nil {
		s.writeKindError(w, r, err)
		return
	}

	applied := s.cfg.Get().Intelligence
	applied = override.Apply(applied)
	writeJSON(w, map[string]any{
		"project_id":            projectID,
		"applied_configuration": applied,
		"takes_effect":          "subsequent orchestrations",
	})
}

// GET /orchestrate/intelligence/decision-audit/{project_id}
func (s *Server) handleDecisionAudit(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	records, err := s.state.AuditRecords(r.Context(), projectID, 100)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	if len(records) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "No decision audit records found"})
		return
	}

	writeJSON(w, map[string]any{
		"project_id": projectID,
		"records":    records,
	})
}

// GET /orchestrate/intelligence/performance/metrics/{project_id}
func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	adoption, err := s.state.GetAdoption(r.Context(), projectID)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}

	intel := s.cfg.Get().Intelligence
	if override, err := s.state.GetDecisionMode(r.Context(), projectID); err == nil && override != nil {
		intel = override.Apply(intel)
	}

	writeJSON(w, map[string]any{
		"project_id": projectID,
		"component_metrics": map[string]any{
			"embedding_breaker_state": s.embedding.State(),
			"memory_pool":             s.memory.Health(),
		},
		"adoption_metrics": adoption,
		"thresholds": map[string]any{
			"mode":                           intel.Mode,
			"confidence_threshold":           intel.ConfidenceThreshold,
			"task_adjustment_min_confidence": intel.TaskAdjustmentMinConfidence,
			"similarity_min":                 intel.SimilarityMin,
			"velocity_trend_min":             intel.VelocityTrendMin,
		},
	})
}

// GET /health/ready
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()

	embeddingStatus := map[string]any{
		"breaker_state": s.embedding.State(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if health, err := s.embedding.Health(ctx); err != nil {
		embeddingStatus["status"] = "unavailable"
		embeddingStatus["error"] = err.Error()
	} else {
		embeddingStatus["status"] = health.Status
		embeddingStatus["model"] = health.ModelName
		embeddingStatus["ollama_available"] = health.OllamaAvailable
	}

	writeJSON(w, map[string]any{
		"status":   "ready",
		"uptime_s": time.Since(s.startTime).Seconds(),
		"components": map[string]any{
			"memory_pool": s.memory.Health(),
			"embedding":   embeddingStatus,
			"advisor": map[string]any{
				"enabled": cfg.Advisor.Enabled,
			},
		},
	})
}
