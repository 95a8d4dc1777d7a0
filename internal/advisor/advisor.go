// Package advisor adds an optional post-decision LLM advisory to the
// orchestration response. It is strictly non-blocking: a slow or
// failing model degrades the advisory, never the decision.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/decision"
)

// Risk levels the model is asked to choose from.
const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// Advisory is the parsed model output attached to the response.
type Advisory struct {
	Enabled          bool     `json:"enabled"`
	Summary          string   `json:"summary,omitempty"`
	Recommendations  []string `json:"recommendations,omitempty"`
	RiskAssessment   string   `json:"risk_assessment,omitempty"`
	GenerationTimeMS int64    `json:"generation_time_ms,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Advisor calls the LLM endpoint with a structured prompt.
type Advisor struct {
	cfg    config.Advisor
	client *http.Client
	logger *slog.Logger
}

func New(cfg config.Advisor, logger *slog.Logger) *Advisor {
	return &Advisor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout.Duration},
		logger: logger.With("component", "advisor"),
	}
}

// Enabled reports whether advisory generation is configured on.
func (a *Advisor) Enabled() bool { return a.cfg.Enabled }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Advise produces the advisory for a completed decision. Any failure
// returns a disabled advisory carrying the error text; it never
// returns a Go error because nothing upstream should branch on it.
func (a *Advisor) Advise(ctx context.Context, snap *analyzer.Snapshot, d decision.Decision) Advisory {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout.Duration)
	defer cancel()

	raw, err := a.generate(ctx, buildPrompt(snap, d))
	if err != nil {
		a.logger.Warn("advisory degraded", "project_id", snap.ProjectID, "error", err)
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("advisor timed out after %s", a.cfg.Timeout.Duration)
		}
		return Advisory{Enabled: false, Error: msg}
	}

	advisory, err := parseAdvisory(raw)
	if err != nil {
		a.logger.Warn("advisory unparseable", "project_id", snap.ProjectID, "error", err)
		return Advisory{Enabled: false, Error: err.Error()}
	}
	advisory.Enabled = true
	advisory.GenerationTimeMS = time.Since(start).Milliseconds()
	return advisory
}

func (a *Advisor) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: a.cfg.Model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.ServiceURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("call advisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("advisor returned status %d (%s)", resp.StatusCode, out)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decode advisor response: %w", err)
	}
	return gen.Response, nil
}

// buildPrompt renders the structured prompt. The model is instructed to
// answer with a single JSON object so parsing stays deterministic.
func buildPrompt(snap *analyzer.Snapshot, d decision.Decision) string {
	var b strings.Builder
	b.WriteString("You are a sprint planning advisor. Review this orchestration decision and respond with JSON only,\n")
	b.WriteString(`shaped as {"summary": string, "recommendations": [string], "risk_assessment": "Low"|"Medium"|"High"}.` + "\n\n")
	fmt.Fprintf(&b, "Project %s: status=%s team_size=%d backlog=%d unassigned=%d active_sprints=%d\n",
		snap.ProjectID, snap.ProjectStatus, snap.TeamSize, snap.BacklogTasks, snap.UnassignedTasks, snap.ActiveSprintsCount)
	fmt.Fprintf(&b, "Decision (%s): create_sprint=%t tasks=%d duration_weeks=%d closure=%t\n",
		d.DecisionSource, d.Applied.CreateNewSprint, d.Applied.TasksToAssign,
		d.Applied.SprintDurationWeeks, d.Applied.SprintClosureTriggered)
	fmt.Fprintf(&b, "Reasoning: %s\n", d.RuleBased.Reasoning)
	if len(d.Applied.Warnings) > 0 {
		fmt.Fprintf(&b, "Warnings: %s\n", strings.Join(d.Applied.Warnings, "; "))
	}
	return b.String()
}

// parseAdvisory extracts the advisory JSON from the model output,
// tolerating prose around the object.
func parseAdvisory(raw string) (Advisory, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Advisory{}, fmt.Errorf("no JSON object in advisor output")
	}

	var parsed struct {
		Summary         string   `json:"summary"`
		Recommendations []string `json:"recommendations"`
		RiskAssessment  string   `json:"risk_assessment"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return Advisory{}, fmt.Errorf("decode advisory JSON: %w", err)
	}

	switch parsed.RiskAssessment {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return Advisory{}, fmt.Errorf("invalid risk assessment %q", parsed.RiskAssessment)
	}

	return Advisory{
		Summary:         parsed.Summary,
		Recommendations: parsed.Recommendations,
		RiskAssessment:  parsed.RiskAssessment,
	}, nil
}
