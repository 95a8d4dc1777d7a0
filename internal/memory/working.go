package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutWorkingMemory caches a per-project payload with a TTL, replacing any
// previous session for the project.
func (s *Store) PutWorkingMemory(ctx context.Context, projectID string, payload any, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal working memory payload: %w", err)
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin working memory tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM working_memory WHERE project_id = ?`, projectID); err != nil {
		return "", fmt.Errorf("evict working memory for %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO working_memory (session_id, project_id, payload, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, projectID, string(raw), now, now.Add(ttl)); err != nil {
		return "", fmt.Errorf("insert working memory for %s: %w", projectID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit working memory: %w", err)
	}
	return sessionID, nil
}

// GetWorkingMemory loads the live cached payload for a project into out.
// Returns false when nothing is cached or the session has expired.
func (s *Store) GetWorkingMemory(ctx context.Context, projectID string, out any) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM working_memory
		WHERE project_id = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		projectID, time.Now().UTC()).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query working memory for %s: %w", projectID, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decode working memory payload: %w", err)
	}
	return true, nil
}

// PurgeExpiredWorkingMemory removes expired sessions. Run periodically by
// the orchestrator's background loop.
func (s *Store) PurgeExpiredWorkingMemory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM working_memory WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge working memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
