package advisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/helmsman/internal/analyzer"
	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/decision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot() *analyzer.Snapshot {
	return &analyzer.Snapshot{ProjectID: "P1", ProjectStatus: "active", TeamSize: 5}
}

func testDecision() decision.Decision {
	return decision.Decision{
		DecisionSource: decision.SourceRuleBased,
		Applied:        decision.Applied{CreateNewSprint: true, TasksToAssign: 8, SprintDurationWeeks: 2},
	}
}

func newAdvisorAgainst(url string, timeout time.Duration) *Advisor {
	return New(config.Advisor{
		Enabled:    true,
		Model:      "llama3.1",
		ServiceURL: url,
		Timeout:    config.Duration{Duration: timeout},
	}, testLogger())
}

func TestAdviseParsesModelOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !strings.Contains(req.Prompt, "Project P1") {
			t.Errorf("prompt missing project context: %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(generateResponse{
			Response: `Here is my assessment: {"summary": "Reasonable plan", "recommendations": ["Watch the backlog"], "risk_assessment": "Low"} Hope that helps.`,
		})
	}))
	defer srv.Close()

	adv := newAdvisorAgainst(srv.URL, 2*time.Second).Advise(context.Background(), testSnapshot(), testDecision())
	if !adv.Enabled {
		t.Fatalf("advisory disabled: %+v", adv)
	}
	if adv.Summary != "Reasonable plan" || adv.RiskAssessment != RiskLow {
		t.Fatalf("parsed advisory: %+v", adv)
	}
	if len(adv.Recommendations) != 1 {
		t.Fatalf("recommendations: %v", adv.Recommendations)
	}
	if adv.GenerationTimeMS < 0 {
		t.Fatalf("generation time: %d", adv.GenerationTimeMS)
	}
}

func TestAdviseTimeoutDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(generateResponse{Response: "{}"})
	}))
	defer srv.Close()

	start := time.Now()
	adv := newAdvisorAgainst(srv.URL, 50*time.Millisecond).Advise(context.Background(), testSnapshot(), testDecision())
	if adv.Enabled {
		t.Fatalf("timed-out advisory must be disabled: %+v", adv)
	}
	if adv.Error == "" {
		t.Fatal("error text expected")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("advise must return promptly after timeout, took %s", elapsed)
	}
}

func TestAdviseInvalidRiskDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			Response: `{"summary": "x", "recommendations": [], "risk_assessment": "Catastrophic"}`,
		})
	}))
	defer srv.Close()

	adv := newAdvisorAgainst(srv.URL, time.Second).Advise(context.Background(), testSnapshot(), testDecision())
	if adv.Enabled || adv.Error == "" {
		t.Fatalf("invalid risk level must degrade: %+v", adv)
	}
}

func TestAdviseNonJSONOutputDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "I cannot help with that."})
	}))
	defer srv.Close()

	adv := newAdvisorAgainst(srv.URL, time.Second).Advise(context.Background(), testSnapshot(), testDecision())
	if adv.Enabled || adv.Error == "" {
		t.Fatalf("prose-only output must degrade: %+v", adv)
	}
}
