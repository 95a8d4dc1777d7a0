package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/helmsman/internal/decision"
)

// AuditRecord is one persisted decision trail entry. Candidates holds
// the ungated modifier output; Approved what survived the gate.
type AuditRecord struct {
	AuditID          string                    `json:"audit_id"`
	ProjectID        string                    `json:"project_id"`
	CreatedAt        time.Time                 `json:"created_at"`
	DecisionSource   string                    `json:"decision_source"`
	RuleBased        json.RawMessage           `json:"rule_based"`
	Candidates       decision.Adjustments      `json:"candidate_adjustments"`
	Approved         decision.Adjustments      `json:"approved_adjustments"`
	Applied          decision.Applied          `json:"applied"`
	ConfidenceScores decision.ConfidenceScores `json:"confidence_scores"`
}

// AppendAudit writes one audit record. Callers treat failures as
// non-fatal: the orchestration logs and continues.
func (s *Store) AppendAudit(ctx context.Context, projectID string, d decision.Decision) (string, error) {
	ruleBased, err := json.Marshal(d.RuleBased)
	if err != nil {
		return "", fmt.Errorf("store: marshal rule_based: %w", err)
	}
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return "", fmt.Errorf("store: marshal candidates: %w", err)
	}
	approved, err := json.Marshal(d.IntelligenceAdjustments)
	if err != nil {
		return "", fmt.Errorf("store: marshal approved: %w", err)
	}
	applied, err := json.Marshal(d.Applied)
	if err != nil {
		return "", fmt.Errorf("store: marshal applied: %w", err)
	}
	scores, err := json.Marshal(d.ConfidenceScores)
	if err != nil {
		return "", fmt.Errorf("store: marshal confidence scores: %w", err)
	}

	auditID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (audit_id, project_id, created_at, decision_source,
			rule_based, candidates, approved, applied, confidence_scores)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, projectID, time.Now().UTC(), d.DecisionSource,
		string(ruleBased), string(candidates), string(approved), string(applied), string(scores))
	if err != nil {
		return "", fmt.Errorf("store: append audit for %s: %w", projectID, err)
	}
	return auditID, nil
}

// AuditRecords lists a project's audit trail chronologically.
func (s *Store) AuditRecords(ctx context.Context, projectID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, project_id, created_at, decision_source,
			rule_based, candidates, approved, applied, confidence_scores
		FROM audit_records
		WHERE project_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query audit for %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			rec        AuditRecord
			ruleBased  string
			candidates string
			approved   string
			applied    string
			scores     string
		)
		if err := rows.Scan(&rec.AuditID, &rec.ProjectID, &rec.CreatedAt, &rec.DecisionSource,
			&ruleBased, &candidates, &approved, &applied, &scores); err != nil {
			return nil, fmt.Errorf("store: scan audit record: %w", err)
		}
		rec.RuleBased = json.RawMessage(ruleBased)
		if err := json.Unmarshal([]byte(candidates), &rec.Candidates); err != nil {
			return nil, fmt.Errorf("store: decode candidates: %w", err)
		}
		if err := json.Unmarshal([]byte(approved), &rec.Approved); err != nil {
			return nil, fmt.Errorf("store: decode approved: %w", err)
		}
		if err := json.Unmarshal([]byte(applied), &rec.Applied); err != nil {
			return nil, fmt.Errorf("store: decode applied: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &rec.ConfidenceScores); err != nil {
			return nil, fmt.Errorf("store: decode confidence scores: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
