// Package embedding is the HTTP client for the external embedding
// service. Calls carry per-request deadlines, bounded exponential retry
// and a shared circuit breaker; when the breaker is open callers get a
// CircuitOpen error immediately and the decision pipeline degrades to
// rule-based output.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/metrics"
)

// Embedder is the capability set the rest of the system depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Health(ctx context.Context) (*HealthStatus, error)
	Dimensions() int
	State() string
}

// HealthStatus is the embedding service's health report.
type HealthStatus struct {
	Status          string `json:"status"`
	OllamaAvailable bool   `json:"ollama_available"`
	ModelName       string `json:"model_name"`
}

// Client talks to the embedding service with retry and breaker
// protection. Safe for concurrent use; breaker state mutations are
// internal to gobreaker and atomic.
type Client struct {
	baseURL    string
	model      string
	dimensions int
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	client     *http.Client
	breaker    *gobreaker.TwoStepCircuitBreaker
	logger     *slog.Logger
}

// NewClient builds an embedding client from config. The breaker opens
// after the configured count of consecutive failures and half-opens
// after the cool-down. The two-step breaker backs both the decorator
// path (Embed/EmbedBatch) and the scoped Guard with one shared state.
func NewClient(cfg config.Embedding, m *metrics.Metrics, logger *slog.Logger) *Client {
	threshold := uint32(cfg.Circuit.FailureThreshold)
	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     cfg.Circuit.CoolDown.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.BreakerStateChanges.WithLabelValues(from.String(), to.String()).Inc()
			logger.Warn("embedding breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff.Duration,
		timeout:    cfg.Timeout.Duration,
		client:     &http.Client{Timeout: cfg.Timeout.Duration},
		breaker:    breaker,
		logger:     logger,
	}
}

// Dimensions returns the deploy-time embedding dimensionality.
func (c *Client) Dimensions() int { return c.dimensions }

// State reports the breaker state as closed, open or half-open.
func (c *Client) State() string { return c.breaker.State().String() }

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding        []float32 `json:"embedding"`
	Dimensions       int       `json:"dimensions"`
	Model            string    `json:"model"`
	GenerationTimeMS float64   `json:"generation_time_ms"`
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Count      int         `json:"count"`
}

// Embed generates one embedding, retrying transient failures through the
// breaker. A tripped breaker returns CircuitOpen without touching the
// network.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	if err := c.call(ctx, "/embed", embedRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) != c.dimensions {
		return nil, herrors.New(herrors.KindVectorDimensionMismatch,
			"embedding service returned %d dimensions, expected %d", len(out.Embedding), c.dimensions)
	}
	return out.Embedding, nil
}

// EmbedBatch generates embeddings for several texts in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embedBatchResponse
	if err := c.call(ctx, "/embed/batch", embedBatchRequest{Texts: texts}, &out); err != nil {
		return nil, err
	}
	for i, emb := range out.Embeddings {
		if len(emb) != c.dimensions {
			return nil, herrors.New(herrors.KindVectorDimensionMismatch,
				"batch item %d has %d dimensions, expected %d", i, len(emb), c.dimensions)
		}
	}
	return out.Embeddings, nil
}

// Health checks the embedding service. Health probes bypass the breaker
// so readiness can observe recovery while the breaker is still open.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindUpstreamUnavailable, err, "embedding health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, herrors.New(herrors.KindUpstreamUnavailable, "embedding health returned status %d", resp.StatusCode)
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &status, nil
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return herrors.Wrap(herrors.KindTimeout, ctx.Err(), "embedding %s cancelled", path)
			case <-time.After(delay):
			}
		}

		done, err := c.breaker.Allow()
		if err != nil {
			return herrors.Wrap(herrors.KindCircuitOpen, err, "embedding breaker open")
		}
		callErr := c.post(ctx, path, in, out)
		done(callErr == nil)
		if callErr == nil {
			return nil
		}
		lastErr = callErr
		c.logger.Warn("embedding call failed", "path", path, "attempt", attempt+1, "error", callErr)
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return herrors.Wrap(herrors.KindTimeout, lastErr, "embedding %s deadline exceeded", path)
	}
	return herrors.Wrap(herrors.KindUpstreamUnavailable, lastErr, "embedding %s failed after %d attempts", path, c.maxRetries+1)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("embedding returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode embedding response: %w", err)
	}
	return nil
}

// Guard is a scoped acquisition over the breaker: Acquire rejects while
// the breaker is open, and the returned release func reports the
// outcome. Behaviour is identical to calling through Embed directly.
type Guard struct {
	c *Client
}

// NewGuard wraps the client for scoped usage.
func NewGuard(c *Client) *Guard { return &Guard{c: c} }

// Acquire reserves a breaker slot. The caller must invoke release with
// the outcome error on every exit path.
func (g *Guard) Acquire(ctx context.Context) (release func(err error), acquireErr error) {
	done, err := g.c.breaker.Allow()
	if err != nil {
		return nil, herrors.Wrap(herrors.KindCircuitOpen, err, "embedding breaker open")
	}
	return func(callErr error) {
		done(callErr == nil)
	}, nil
}
