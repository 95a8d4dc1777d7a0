package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
)

func testStrategyConfig() config.Strategy {
	return config.Strategy{
		RetireThreshold:      0.2,
		MinContradictions:    3,
		DeprecateSuccessRate: 0.4,
		DeprecateMinApplied:  5,
	}
}

func TestStrategyLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	st := &Strategy{
		Type:        "sprint_sizing",
		Content:     "teams of 5+ complete 8-task sprints reliably",
		Description: "derived from completed sprints across similar projects",
		Confidence:  0.7,
		CreatedBy:   "evolver",
	}
	if err := store.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if st.KnowledgeID == "" {
		t.Fatal("knowledge id not assigned")
	}

	got, err := store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateProposed || !got.Active {
		t.Fatalf("new strategy should be proposed and active: %+v", got)
	}
	if got.SuccessRate() != 0 {
		t.Fatalf("unapplied strategy success rate: got %v", got.SuccessRate())
	}

	if err := store.PromoteStrategy(ctx, st.KnowledgeID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err = store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get after promote: %v", err)
	}
	if got.State != StateActive || got.LastValidated == nil {
		t.Fatalf("promotion not recorded: %+v", got)
	}
}

// seedOutcomeEpisode stores one episode with a settled outcome so the
// synthesizer can cluster it.
func seedOutcomeEpisode(t *testing.T, store *Store, id, project string, tasks int, created bool, quality float64) {
	t.Helper()
	ctx := context.Background()

	ep := sampleEpisode()
	ep.EpisodeID = id
	ep.ProjectID = project
	ep.Action.CreatedSprint = created
	ep.Action.TasksAssigned = tasks
	_, err := store.StoreEpisode(ctx, ep, unitVec(0))
	require.NoError(t, err)

	outcome := Outcome{SprintCompleted: quality >= 1, CompletionRate: quality}
	require.NoError(t, store.UpdateEpisodeOutcome(ctx, id, outcome, quality))
}

func TestSynthesizeProposesSprintSizingStrategy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Three high-quality sprints at 8 tasks form a cluster. The 5-task
	// pair is under min support, the low-quality and no-sprint episodes
	// never qualify.
	for i := 0; i < 3; i++ {
		seedOutcomeEpisode(t, store, fmt.Sprintf("ep-8-%d", i), fmt.Sprintf("P%d", i), 8, true, 0.9)
	}
	seedOutcomeEpisode(t, store, "ep-5-0", "P4", 5, true, 0.8)
	seedOutcomeEpisode(t, store, "ep-5-1", "P5", 5, true, 0.8)
	seedOutcomeEpisode(t, store, "ep-low", "P6", 8, true, 0.3)
	seedOutcomeEpisode(t, store, "ep-heal", "P7", 0, false, 0.9)

	evolver := NewEvolver(store, testStrategyConfig())
	created, err := evolver.Synthesize(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	active, err := store.ActiveStrategies(ctx, "sprint_sizing", 10)
	require.NoError(t, err)
	require.Len(t, active, 1)

	st := active[0]
	require.Equal(t, "assign 8 tasks per sprint", st.Content)
	require.InDelta(t, 0.9, st.Confidence, 1e-9)
	require.Len(t, st.SupportingEpisodes, 3)
	require.Equal(t, "strategy_evolver", st.CreatedBy)

	// A second pass finds the same cluster but the strategy already
	// exists, so nothing new is proposed.
	created, err = evolver.Synthesize(ctx, 3)
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestRecordApplicationTracksSuccessRate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	st := &Strategy{Type: "sprint_sizing", Content: "c", Confidence: 0.6}
	if err := store.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	outcomes := []bool{true, true, false, true}
	for i, ok := range outcomes {
		if err := store.RecordApplication(ctx, st.KnowledgeID, "ep", ok); err != nil {
			t.Fatalf("application %d: %v", i, err)
		}
	}

	got, err := store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TimesApplied != 4 || got.SuccessCount != 3 || got.FailureCount != 1 {
		t.Fatalf("counters: %+v", got)
	}
	if got.SuccessRate() != 0.75 {
		t.Fatalf("success rate: got %v", got.SuccessRate())
	}
	if len(got.SupportingEpisodes) != 3 || len(got.ContradictingEpisodes) != 1 {
		t.Fatalf("episode lists: %+v", got)
	}
	if got.LastApplied == nil {
		t.Fatal("last_applied not set")
	}
}

func TestRecordApplicationUnknownStrategy(t *testing.T) {
	store := openTestStore(t)

	err := store.RecordApplication(context.Background(), "missing", "ep", true)
	if !herrors.Is(err, herrors.KindNotFound) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestEvolverRetiresContradictedStrategy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	st := &Strategy{Type: "sprint_sizing", Content: "c", Confidence: 0.5}
	if err := store.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Three contradictions and no support collapse effective confidence
	// to zero, under the 0.2 retire threshold.
	for i := 0; i < 3; i++ {
		if err := store.RecordApplication(ctx, st.KnowledgeID, "ep", false); err != nil {
			t.Fatalf("application: %v", err)
		}
	}

	report, err := NewEvolver(store, testStrategyConfig()).Evolve(ctx)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if report.Retired != 1 {
		t.Fatalf("want 1 retired, got %+v", report)
	}

	got, err := store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateRetired || got.Active {
		t.Fatalf("strategy not retired: %+v", got)
	}

	active, err := store.ActiveStrategies(ctx, "", 10)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("retired strategy still active: %+v", active)
	}
}

func TestEvolverDeprecatesLowSuccessRate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Enough support to keep effective confidence above the retire
	// threshold, but success rate 1/5 is under the deprecation floor.
	st := &Strategy{Type: "sprint_sizing", Content: "c", Confidence: 0.9}
	if err := store.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	for _, ok := range []bool{true, false, false, false, false} {
		if err := store.RecordApplication(ctx, st.KnowledgeID, "ep", ok); err != nil {
			t.Fatalf("application: %v", err)
		}
	}

	report, err := NewEvolver(store, testStrategyConfig()).Evolve(ctx)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if report.Deprecated != 1 || report.Retired != 0 {
		t.Fatalf("want 1 deprecated, got %+v", report)
	}

	got, err := store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDeprecated {
		t.Fatalf("state: %+v", got)
	}
}

func TestEvolverPromotesProvenStrategy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	st := &Strategy{Type: "sprint_sizing", Content: "c", Confidence: 0.8}
	if err := store.SaveStrategy(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := store.RecordApplication(ctx, st.KnowledgeID, "ep", true); err != nil {
			t.Fatalf("application: %v", err)
		}
	}

	report, err := NewEvolver(store, testStrategyConfig()).Evolve(ctx)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if report.Promoted != 1 {
		t.Fatalf("want 1 promoted, got %+v", report)
	}

	got, err := store.GetStrategy(ctx, st.KnowledgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateActive {
		t.Fatalf("state: %+v", got)
	}
}
