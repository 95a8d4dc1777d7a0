package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func testEmbeddingConfig(base string, dims, threshold int, coolDown time.Duration) config.Embedding {
	return config.Embedding{
		BaseURL:      base,
		Model:        "test-embed",
		Dimensions:   dims,
		Timeout:      config.Duration{Duration: 2 * time.Second},
		MaxRetries:   0,
		RetryBackoff: config.Duration{Duration: time.Millisecond},
		Circuit: config.EmbeddingCircuit{
			FailureThreshold: threshold,
			CoolDown:         config.Duration{Duration: coolDown},
		},
	}
}

func embedHandler(dims int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i) / float32(dims)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embedding":          vec,
			"dimensions":         dims,
			"model":              "test-embed",
			"generation_time_ms": 3.2,
		})
	}
}

func TestEmbedReturnsVector(t *testing.T) {
	srv := httptest.NewServer(embedHandler(8))
	defer srv.Close()

	client := NewClient(testEmbeddingConfig(srv.URL, 8, 5, time.Minute), testMetrics(), testLogger())
	vec, err := client.Embed(context.Background(), "project TEST-001 snapshot")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("expected 8 dimensions, got %d", len(vec))
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(embedHandler(4))
	defer srv.Close()

	client := NewClient(testEmbeddingConfig(srv.URL, 8, 5, time.Minute), testMetrics(), testLogger())
	_, err := client.Embed(context.Background(), "text")
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
	if herrors.KindOf(err) != herrors.KindVectorDimensionMismatch {
		t.Fatalf("expected vector_dimension_mismatch, got %s", herrors.KindOf(err))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := testMetrics()
	client := NewClient(testEmbeddingConfig(srv.URL, 8, 2, time.Minute), m, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := client.Embed(ctx, "text"); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	callsBefore := calls

	_, err := client.Embed(ctx, "text")
	if err == nil {
		t.Fatalf("expected circuit-open rejection")
	}
	if herrors.KindOf(err) != herrors.KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %s", herrors.KindOf(err))
	}
	if calls != callsBefore {
		t.Fatalf("open breaker must not hit the network, calls went %d -> %d", callsBefore, calls)
	}
	if client.State() != "open" {
		t.Fatalf("expected breaker state open, got %s", client.State())
	}
	if got := testutil.ToFloat64(m.BreakerStateChanges.WithLabelValues("closed", "open")); got != 1 {
		t.Fatalf("expected one closed->open transition recorded, got %v", got)
	}
}

func TestBreakerHalfOpensAfterCoolDown(t *testing.T) {
	var fail = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		embedHandler(8)(w, r)
	}))
	defer srv.Close()

	client := NewClient(testEmbeddingConfig(srv.URL, 8, 1, 20*time.Millisecond), testMetrics(), testLogger())
	ctx := context.Background()

	if _, err := client.Embed(ctx, "text"); err == nil {
		t.Fatalf("expected initial failure")
	}
	if _, err := client.Embed(ctx, "text"); herrors.KindOf(err) != herrors.KindCircuitOpen {
		t.Fatalf("expected circuit_open while cooling down, got %v", err)
	}

	fail = false
	time.Sleep(30 * time.Millisecond)

	if _, err := client.Embed(ctx, "text"); err != nil {
		t.Fatalf("expected recovery after cool-down, got %v", err)
	}
	if client.State() != "closed" {
		t.Fatalf("expected breaker closed after success, got %s", client.State())
	}
}

func TestGuardScopedAcquisitionSharesBreakerState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testEmbeddingConfig(srv.URL, 8, 2, time.Minute), testMetrics(), testLogger())
	guard := NewGuard(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		release, err := guard.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		release(fmt.Errorf("simulated failure"))
	}

	if _, err := guard.Acquire(ctx); herrors.KindOf(err) != herrors.KindCircuitOpen {
		t.Fatalf("expected guard to observe open breaker, got %v", err)
	}
	if _, err := client.Embed(ctx, "text"); herrors.KindOf(err) != herrors.KindCircuitOpen {
		t.Fatalf("expected decorator path to observe open breaker, got %v", err)
	}
}

func TestHealthBypassesBreaker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthStatus{Status: "ok", OllamaAvailable: true, ModelName: "test-embed"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(testEmbeddingConfig(srv.URL, 8, 1, time.Minute), testMetrics(), testLogger())
	ctx := context.Background()

	client.Embed(ctx, "text") // trips the breaker
	if client.State() != "open" {
		t.Fatalf("expected breaker open, got %s", client.State())
	}

	status, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health must bypass breaker: %v", err)
	}
	if !status.OllamaAvailable {
		t.Fatalf("unexpected health status: %+v", status)
	}
}
