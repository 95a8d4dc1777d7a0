package memory

import (
	"testing"
	"time"
)

func sampleEpisode() Episode {
	return Episode{
		EpisodeID: "ep-1",
		ProjectID: "PHOENIX",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Perception: Perception{
			ProjectStatus:      "active",
			TeamSize:           5,
			BacklogTasks:       42,
			UnassignedTasks:    12,
			ActiveSprints:      0,
			AvailabilityStatus: "available",
		},
		Reasoning: Reasoning{
			Headline:          "no active sprint, backlog ready",
			DecisionMode:      "intelligence_enhanced",
			OverallConfidence: 0.81,
		},
		Action: Action{
			CreatedSprint:       true,
			TasksAssigned:       8,
			SprintDurationWeeks: 2,
		},
		DecisionSource: "intelligence_enhanced",
		ControlMode:    "autonomous",
	}
}

func TestCanonicalTextDeterministic(t *testing.T) {
	ep := sampleEpisode()
	first := CanonicalText(ep)
	for i := 0; i < 10; i++ {
		if got := CanonicalText(ep); got != first {
			t.Fatalf("canonical text changed on iteration %d:\n%s\nvs\n%s", i, got, first)
		}
	}
}

func TestCanonicalTextLayout(t *testing.T) {
	want := "project: PHOENIX\n" +
		"status: active\n" +
		"team_size: 5\n" +
		"backlog_tasks: 42\n" +
		"unassigned_tasks: 12\n" +
		"active_sprints: 0\n" +
		"availability: available\n" +
		"action: created=true tasks_assigned=8 duration_weeks=2 closed=false\n" +
		"reasoning: no active sprint, backlog ready\n" +
		"decision_source: intelligence_enhanced\n" +
		"control_mode: autonomous"

	if got := CanonicalText(sampleEpisode()); got != want {
		t.Fatalf("canonical text layout drifted:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestProjectQueryTextMatchesEpisodeLayout(t *testing.T) {
	ep := sampleEpisode()
	ep.Action = Action{}
	ep.Reasoning = Reasoning{}
	ep.DecisionSource = ""
	ep.ControlMode = ""

	query := ProjectQueryText("PHOENIX", "active", 5, 42, 12, 0, "available")
	if query != CanonicalText(ep) {
		t.Fatalf("query text does not share the episode layout:\n%s", query)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.75, 0}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("element %d: got %v want %v", i, out[i], in[i])
		}
	}
}
