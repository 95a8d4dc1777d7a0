// Package events publishes orchestration decisions to the event
// stream. Publication is best effort: consumers are external and a
// failed publish never fails the orchestration.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/helmsman/internal/config"
)

// EventOrchestrationDecision is the single event type the service
// emits.
const EventOrchestrationDecision = "ORCHESTRATION_DECISION"

// Envelope wraps a published payload.
type Envelope struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher emits events over HTTP.
type Publisher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewPublisher(cfg config.Events, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    cfg.StreamURL,
		client: &http.Client{Timeout: cfg.Timeout.Duration},
		logger: logger.With("component", "events"),
	}
}

// PublishDecision sends the full decision response for a completed
// orchestration. Errors are returned so callers can log them, but the
// contract is fire and forget.
func (p *Publisher) PublishDecision(ctx context.Context, projectID string, payload any) error {
	if p.url == "" {
		return nil
	}

	body, err := json.Marshal(Envelope{
		EventID:   uuid.NewString(),
		EventType: EventOrchestrationDecision,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("event stream returned status %d (%s)", resp.StatusCode, out)
	}
	return nil
}
