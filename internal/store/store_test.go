package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/decision"
	"github.com/antigravity-dev/helmsman/internal/planner"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDecision(source string, tasks int) decision.Decision {
	return decision.Decision{
		RuleBased: planner.Plan{
			CreateNewSprint:     true,
			TasksToAssign:       8,
			SprintDurationWeeks: 2,
			Reasoning:           "baseline",
		},
		Candidates: decision.Adjustments{
			TaskCount: &decision.Adjustment{Original: 8, Intelligence: tasks, Confidence: 0.82},
		},
		Applied: decision.Applied{
			CreateNewSprint:     true,
			TasksToAssign:       tasks,
			SprintDurationWeeks: 2,
		},
		ConfidenceScores: decision.ConfidenceScores{
			OverallDecisionConfidence: 0.82,
			MinimumThreshold:          0.75,
			IntelligenceThresholdMet:  source == decision.SourceIntelligence,
		},
		DecisionSource: source,
	}
}

func TestAuditTrailChronological(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.AppendAudit(ctx, "P1", sampleDecision(decision.SourceRuleBased, 8))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.AppendAudit(ctx, "P1", sampleDecision(decision.SourceIntelligence, 6))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendAudit(ctx, "OTHER", sampleDecision(decision.SourceRuleBased, 8)); err != nil {
		t.Fatalf("append other: %v", err)
	}

	records, err := s.AuditRecords(ctx, "P1", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("want 2 records, got %d", len(records))
	}
	if records[0].AuditID != first || records[1].AuditID != second {
		t.Fatalf("not chronological: %s, %s", records[0].AuditID, records[1].AuditID)
	}
	if records[1].DecisionSource != decision.SourceIntelligence {
		t.Fatalf("source: %s", records[1].DecisionSource)
	}
	if records[1].Applied.TasksToAssign != 6 {
		t.Fatalf("applied not preserved: %+v", records[1].Applied)
	}
	if records[1].Candidates.TaskCount == nil || records[1].Candidates.TaskCount.Confidence != 0.82 {
		t.Fatalf("candidates not preserved: %+v", records[1].Candidates)
	}
}

func TestAuditRecordsEmptyProject(t *testing.T) {
	s := openTestStore(t)

	records, err := s.AuditRecords(context.Background(), "NONE", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("want empty, got %d", len(records))
	}
}

func TestDecisionModeUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetDecisionMode(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("no override expected: %+v", got)
	}

	o := DecisionModeOverride{
		ProjectID:                 "P1",
		Mode:                      config.ModeIntelligenceEnhanced,
		ConfidenceThreshold:       0.8,
		EnableTaskCountAdjustment: true,
	}
	if err := s.SetDecisionMode(ctx, o); err != nil {
		t.Fatalf("set: %v", err)
	}
	o.Mode = config.ModeRuleBasedOnly
	if err := s.SetDecisionMode(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = s.GetDecisionMode(ctx, "P1")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if got == nil || got.Mode != config.ModeRuleBasedOnly || got.ConfidenceThreshold != 0.8 {
		t.Fatalf("override: %+v", got)
	}
	if !got.EnableTaskCountAdjustment || got.EnableSprintDurationAdjustment {
		t.Fatalf("flags: %+v", got)
	}
}

func TestDecisionModeOverrideApply(t *testing.T) {
	base := config.Intelligence{
		Mode:                config.ModeHybrid,
		ConfidenceThreshold: 0.75,
		SimilarityFloor:     0.5,
	}
	o := DecisionModeOverride{
		Mode:                      config.ModeRuleBasedOnly,
		ConfidenceThreshold:       0.9,
		EnableTaskCountAdjustment: true,
	}

	merged := o.Apply(base)
	if merged.Mode != config.ModeRuleBasedOnly || merged.ConfidenceThreshold != 0.9 {
		t.Fatalf("override fields: %+v", merged)
	}
	if merged.SimilarityFloor != 0.5 {
		t.Fatalf("untouched fields must survive: %+v", merged)
	}
}

func TestAdoptionMetricsAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordAdoption(ctx, "P1", 1, 2, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordAdoption(ctx, "P1", 1, 2, 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	m, err := s.GetAdoption(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.IntelligenceInvocations != 2 || m.RecommendationsGenerated != 4 || m.AdjustmentsApplied != 2 {
		t.Fatalf("counters: %+v", m)
	}
	if m.ApplicationRatePercent != 50 {
		t.Fatalf("application rate: %v", m.ApplicationRatePercent)
	}
}

func TestAdoptionMetricsUnknownProject(t *testing.T) {
	s := openTestStore(t)

	m, err := s.GetAdoption(context.Background(), "NONE")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.IntelligenceInvocations != 0 || m.ApplicationRatePercent != 0 {
		t.Fatalf("want zeroed metrics: %+v", m)
	}
}
