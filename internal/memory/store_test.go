package memory

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
)

const testDims = 4

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Memory{
		DB:          filepath.Join(t.TempDir(), "memory.db"),
		PoolMin:     1,
		PoolMax:     2,
		PoolRecycle: config.Duration{Duration: time.Minute},
		Distance:    "cosine",
	}
	store, err := Open(cfg, testDims, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("sqlite-vec unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func unitVec(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0, 0}
}

func TestStoreEpisodeRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := sampleEpisode()
	ep.SprintID = "SPRINT-7"
	if _, err := store.StoreEpisode(ctx, ep, unitVec(0)); err != nil {
		t.Fatalf("store episode: %v", err)
	}

	got, err := store.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get episode: %v", err)
	}
	if got.ProjectID != "PHOENIX" {
		t.Fatalf("project id: got %q", got.ProjectID)
	}
	if got.Perception.BacklogTasks != 42 {
		t.Fatalf("perception not preserved: %+v", got.Perception)
	}
	if got.SprintID != "SPRINT-7" {
		t.Fatalf("sprint id: got %q", got.SprintID)
	}
	if got.Outcome != nil || got.OutcomeRecordedAt != nil {
		t.Fatalf("fresh episode should have no outcome: %+v", got)
	}
}

func TestStoreEpisodeDimensionMismatch(t *testing.T) {
	store := openTestStore(t)

	_, err := store.StoreEpisode(context.Background(), sampleEpisode(), []float32{1, 2})
	if !herrors.Is(err, herrors.KindConstraintViolation) {
		t.Fatalf("want constraint_violation, got %v", err)
	}
}

func TestStoreEpisodeWithoutEmbedding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := sampleEpisode()
	ep.EpisodeID = "ep-null"
	if _, err := store.StoreEpisode(ctx, ep, nil); err != nil {
		t.Fatalf("store without embedding: %v", err)
	}

	// A vectorless episode is retrievable by id but invisible to search.
	if _, err := store.GetEpisode(ctx, "ep-null"); err != nil {
		t.Fatalf("get: %v", err)
	}
	results, err := store.FindSimilarEpisodes(ctx, unitVec(0), "", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.EpisodeID == "ep-null" {
			t.Fatal("vectorless episode surfaced from similarity search")
		}
	}
}

func TestFindSimilarEpisodesOrderingAndFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Three episodes at increasing angular distance from the query vector,
	// plus one belonging to the querying project itself.
	cases := []struct {
		id, project string
		angle       float64
	}{
		{"near", "ALPHA", 0.1},
		{"mid", "BRAVO", 0.6},
		{"far", "CHARLIE", 1.4},
		{"self", "QUERYING", 0.05},
	}
	for _, c := range cases {
		ep := sampleEpisode()
		ep.EpisodeID = c.id
		ep.ProjectID = c.project
		if _, err := store.StoreEpisode(ctx, ep, unitVec(c.angle)); err != nil {
			t.Fatalf("store %s: %v", c.id, err)
		}
	}

	results, err := store.FindSimilarEpisodes(ctx, unitVec(0), "QUERYING", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	if results[0].EpisodeID != "near" || results[2].EpisodeID != "far" {
		t.Fatalf("wrong ordering: %s, %s, %s",
			results[0].EpisodeID, results[1].EpisodeID, results[2].EpisodeID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Fatalf("similarity not descending at %d", i)
		}
	}
	for _, r := range results {
		if r.ProjectID == "QUERYING" {
			t.Fatal("own project episode not excluded")
		}
	}

	// A high floor keeps only the closest neighbour.
	results, err = store.FindSimilarEpisodes(ctx, unitVec(0), "QUERYING", 10, 0.9)
	if err != nil {
		t.Fatalf("search with floor: %v", err)
	}
	if len(results) != 1 || results[0].EpisodeID != "near" {
		t.Fatalf("similarity floor not applied: %+v", results)
	}
}

func TestFindSimilarEpisodesQueryDimensionMismatch(t *testing.T) {
	store := openTestStore(t)

	_, err := store.FindSimilarEpisodes(context.Background(), []float32{1}, "", 5, 0)
	if !herrors.Is(err, herrors.KindVectorDimensionMismatch) {
		t.Fatalf("want vector_dimension_mismatch, got %v", err)
	}
}

func TestUpdateEpisodeOutcomeIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ep := sampleEpisode()
	ep.SprintID = "SPRINT-7"
	if _, err := store.StoreEpisode(ctx, ep, unitVec(0)); err != nil {
		t.Fatalf("store: %v", err)
	}

	pending, err := store.EpisodesWithoutOutcome(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].EpisodeID != "ep-1" {
		t.Fatalf("want one pending episode, got %+v", pending)
	}

	first := Outcome{SprintCompleted: true, CompletionRate: 0.9, VelocityDelta: 1.5}
	if err := store.UpdateEpisodeOutcome(ctx, "ep-1", first, 0.9); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Re-running the back-fill must not overwrite the recorded outcome.
	second := Outcome{SprintCompleted: false, CompletionRate: 0.1}
	if err := store.UpdateEpisodeOutcome(ctx, "ep-1", second, 0.1); err != nil {
		t.Fatalf("second update: %v", err)
	}

	got, err := store.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome == nil || got.Outcome.CompletionRate != 0.9 {
		t.Fatalf("outcome overwritten: %+v", got.Outcome)
	}
	if got.OutcomeQuality == nil || *got.OutcomeQuality != 0.9 {
		t.Fatalf("quality overwritten: %v", got.OutcomeQuality)
	}

	pending, err = store.EpisodesWithoutOutcome(ctx, 10)
	if err != nil {
		t.Fatalf("pending after update: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("episode still pending after outcome recorded: %+v", pending)
	}
}

func TestOutcomeStatsBySource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := []struct {
		id, source string
		quality    float64
		recorded   bool
	}{
		{"a", "rule_based", 0.5, true},
		{"b", "rule_based", 0.7, true},
		{"c", "intelligence_enhanced", 0.9, true},
		{"d", "intelligence_enhanced", 0, false},
	}
	for i, s := range seed {
		ep := sampleEpisode()
		ep.EpisodeID = s.id
		ep.DecisionSource = s.source
		ep.SprintID = "S"
		if _, err := store.StoreEpisode(ctx, ep, unitVec(float64(i))); err != nil {
			t.Fatalf("store %s: %v", s.id, err)
		}
		if s.recorded {
			if err := store.UpdateEpisodeOutcome(ctx, s.id, Outcome{CompletionRate: s.quality}, s.quality); err != nil {
				t.Fatalf("outcome %s: %v", s.id, err)
			}
		}
	}

	stats, err := store.OutcomeStatsBySource(ctx, "PHOENIX")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	rb := stats["rule_based"]
	if rb.Episodes != 2 || rb.WithOutcome != 2 {
		t.Fatalf("rule_based counts: %+v", rb)
	}
	if math.Abs(rb.MeanQuality-0.6) > 1e-9 {
		t.Fatalf("rule_based mean quality: got %v", rb.MeanQuality)
	}
	ie := stats["intelligence_enhanced"]
	if ie.Episodes != 2 || ie.WithOutcome != 1 {
		t.Fatalf("intelligence_enhanced counts: %+v", ie)
	}
}

func TestWorkingMemoryTTL(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	type scratch struct {
		Note string `json:"note"`
	}

	if _, err := store.PutWorkingMemory(ctx, "PHOENIX", scratch{Note: "first"}, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A second put replaces the first session.
	if _, err := store.PutWorkingMemory(ctx, "PHOENIX", scratch{Note: "second"}, time.Hour); err != nil {
		t.Fatalf("put replace: %v", err)
	}

	var got scratch
	ok, err := store.GetWorkingMemory(ctx, "PHOENIX", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Note != "second" {
		t.Fatalf("stale session returned: %+v", got)
	}

	// An already-expired session is invisible and purgeable.
	if _, err := store.PutWorkingMemory(ctx, "EXPIRED", scratch{Note: "old"}, -time.Second); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	ok, err = store.GetWorkingMemory(ctx, "EXPIRED", &got)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if ok {
		t.Fatal("expired session returned")
	}
	purged, err := store.PurgeExpiredWorkingMemory(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("want 1 purged, got %d", purged)
	}
}
