// Package upstream holds the HTTP clients for the collaborator services
// Helmsman orchestrates against: project, backlog, sprint, chronicle,
// team availability and the scheduled-job API. Each client sits behind a
// small interface so the orchestrator can take test doubles.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
)

// httpClient wraps a base URL with retry, backoff and error
// classification shared by every collaborator client.
type httpClient struct {
	base       string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

func newHTTPClient(base string, cfg config.Upstream, logger *slog.Logger) *httpClient {
	return &httpClient{
		base:       base,
		client:     &http.Client{Timeout: cfg.Timeout.Duration},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff.Duration,
		logger:     logger,
	}
}

// backoffDelay computes base * 2^(attempt-1) with up to 10% jitter.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}

// statusError distinguishes HTTP status failures from transport errors so
// retries can skip non-transient 4xx responses.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// doJSON issues one request per attempt and decodes a JSON response into
// out when out is non-nil. Exhausted retries surface UpstreamUnavailable;
// 404 surfaces NotFound without retrying.
func (c *httpClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return herrors.Wrap(herrors.KindTimeout, ctx.Err(), "%s %s cancelled", method, path)
			case <-time.After(backoffDelay(attempt, c.backoff)):
			}
		}

		lastErr = c.once(ctx, method, path, in, out)
		if lastErr == nil {
			return nil
		}

		var se *statusError
		if errors.As(lastErr, &se) && se.code == http.StatusNotFound {
			return herrors.Wrap(herrors.KindNotFound, lastErr, "%s %s", method, path)
		}
		if !retryable(lastErr) {
			break
		}
		c.logger.Warn("upstream call failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"error", lastErr)
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return herrors.Wrap(herrors.KindTimeout, lastErr, "%s %s deadline exceeded", method, path)
	}
	return herrors.Wrap(herrors.KindUpstreamUnavailable, lastErr, "%s %s failed after %d attempts", method, path, c.maxRetries+1)
}

func (c *httpClient) once(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
