package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/helmsman/internal/config"
)

// DecisionModeOverride is a per-project intelligence configuration
// override applied on top of the global config snapshot. It takes
// effect on subsequent orchestrations only.
type DecisionModeOverride struct {
	ProjectID                      string              `json:"project_id"`
	Mode                           config.DecisionMode `json:"mode"`
	ConfidenceThreshold            float64             `json:"confidence_threshold"`
	EnableTaskCountAdjustment      bool                `json:"enable_task_count_adjustment"`
	EnableSprintDurationAdjustment bool                `json:"enable_sprint_duration_adjustment"`
	UpdatedAt                      time.Time           `json:"updated_at"`
}

// Apply overlays the override onto a copy of the global intelligence
// config.
func (o DecisionModeOverride) Apply(cfg config.Intelligence) config.Intelligence {
	cfg.Mode = o.Mode
	cfg.ConfidenceThreshold = o.ConfidenceThreshold
	cfg.EnableTaskCountAdjustment = o.EnableTaskCountAdjustment
	cfg.EnableSprintDurationAdjustment = o.EnableSprintDurationAdjustment
	return cfg
}

// SetDecisionMode upserts the override for a project.
func (s *Store) SetDecisionMode(ctx context.Context, o DecisionModeOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_modes (project_id, mode, confidence_threshold,
			enable_task_count_adjustment, enable_sprint_duration_adjustment, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			mode = excluded.mode,
			confidence_threshold = excluded.confidence_threshold,
			enable_task_count_adjustment = excluded.enable_task_count_adjustment,
			enable_sprint_duration_adjustment = excluded.enable_sprint_duration_adjustment,
			updated_at = excluded.updated_at`,
		o.ProjectID, string(o.Mode), o.ConfidenceThreshold,
		boolToInt(o.EnableTaskCountAdjustment), boolToInt(o.EnableSprintDurationAdjustment),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: set decision mode for %s: %w", o.ProjectID, err)
	}
	return nil
}

// GetDecisionMode returns the override for a project, or (nil, nil)
// when the project runs on the global configuration.
func (s *Store) GetDecisionMode(ctx context.Context, projectID string) (*DecisionModeOverride, error) {
	var (
		o        DecisionModeOverride
		mode     string
		tasks    int
		duration int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, mode, confidence_threshold,
			enable_task_count_adjustment, enable_sprint_duration_adjustment, updated_at
		FROM decision_modes WHERE project_id = ?`, projectID).
		Scan(&o.ProjectID, &mode, &o.ConfidenceThreshold, &tasks, &duration, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get decision mode for %s: %w", projectID, err)
	}
	o.Mode = config.DecisionMode(mode)
	o.EnableTaskCountAdjustment = tasks != 0
	o.EnableSprintDurationAdjustment = duration != 0
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
