package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AdoptionMetrics counts how much intelligence output a project
// actually adopted. ApplicationRatePercent is derived, never stored.
type AdoptionMetrics struct {
	ProjectID                string  `json:"project_id"`
	IntelligenceInvocations  int64   `json:"intelligence_invocations"`
	RecommendationsGenerated int64   `json:"recommendations_generated"`
	AdjustmentsApplied       int64   `json:"adjustments_applied"`
	ApplicationRatePercent   float64 `json:"application_rate_percent"`
}

// RecordAdoption accumulates one orchestration's counters.
func (s *Store) RecordAdoption(ctx context.Context, projectID string, invocations, recommendations, applied int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adoption_metrics (project_id, intelligence_invocations,
			recommendations_generated, adjustments_applied, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			intelligence_invocations = intelligence_invocations + excluded.intelligence_invocations,
			recommendations_generated = recommendations_generated + excluded.recommendations_generated,
			adjustments_applied = adjustments_applied + excluded.adjustments_applied,
			updated_at = excluded.updated_at`,
		projectID, invocations, recommendations, applied, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record adoption for %s: %w", projectID, err)
	}
	return nil
}

// GetAdoption returns the accumulated counters for a project. A project
// with no history returns zeroed metrics.
func (s *Store) GetAdoption(ctx context.Context, projectID string) (AdoptionMetrics, error) {
	m := AdoptionMetrics{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT intelligence_invocations, recommendations_generated, adjustments_applied
		FROM adoption_metrics WHERE project_id = ?`, projectID).
		Scan(&m.IntelligenceInvocations, &m.RecommendationsGenerated, &m.AdjustmentsApplied)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("store: get adoption for %s: %w", projectID, err)
	}
	if m.RecommendationsGenerated > 0 {
		m.ApplicationRatePercent = 100 * float64(m.AdjustmentsApplied) / float64(m.RecommendationsGenerated)
	}
	return m, nil
}
