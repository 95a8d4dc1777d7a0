package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
)

// Store provides pooled access to episodic, semantic and working memory.
// A single Store is shared process-wide; only the underlying pool owns
// connections and every query runs inside a scoped acquisition that
// database/sql releases on all exit paths.
type Store struct {
	db         *sql.DB
	dimensions int
	logger     *slog.Logger
}

// PoolStatus reports connection-pool state for readiness checks.
type PoolStatus struct {
	Size int `json:"size"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`
	Max  int `json:"max"`
}

const episodeSchema = `
CREATE TABLE IF NOT EXISTS episodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	perception TEXT NOT NULL,
	reasoning TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT,
	outcome_quality REAL,
	outcome_recorded_at DATETIME,
	agent_version TEXT NOT NULL DEFAULT '',
	control_mode TEXT NOT NULL DEFAULT '',
	decision_source TEXT NOT NULL DEFAULT '',
	sprint_id TEXT,
	external_note_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_episodes_sprint ON episodes(sprint_id) WHERE sprint_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS knowledge (
	knowledge_id TEXT PRIMARY KEY,
	knowledge_type TEXT NOT NULL,
	content TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	supporting_episodes TEXT NOT NULL DEFAULT '[]',
	contradicting_episodes TEXT NOT NULL DEFAULT '[]',
	times_applied INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'proposed',
	created_at DATETIME NOT NULL,
	last_validated DATETIME,
	last_applied DATETIME,
	created_by TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_knowledge_type ON knowledge(knowledge_type, is_active);

CREATE TABLE IF NOT EXISTS working_memory (
	session_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_working_memory_project ON working_memory(project_id, expires_at);
`

// Open opens the memory database, applies the schema, creates the vector
// index sized to the configured dimensionality, and tunes the pool.
func Open(cfg config.Memory, dimensions int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", config.ExpandHome(cfg.DB))
	if err != nil {
		return nil, fmt.Errorf("open memory db %s: %w", cfg.DB, err)
	}

	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxLifetime(cfg.PoolRecycle.Duration)

	if _, err := db.Exec(episodeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply memory schema: %w", err)
	}

	// distance_metric=cosine pins the similarity metric in the index
	// itself; KNN queries get cosine distance without a per-query cast.
	vecSchema := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS episode_vec USING vec0(embedding float[%d] distance_metric=cosine)`,
		dimensions)
	if _, err := db.Exec(vecSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector index (is sqlite-vec loaded?): %w", err)
	}

	return &Store{db: db, dimensions: dimensions, logger: logger}, nil
}

// Close tears the pool down. Called last during shutdown.
func (s *Store) Close() error { return s.db.Close() }

// Dimensions returns the fixed embedding dimensionality of this store.
func (s *Store) Dimensions() int { return s.dimensions }

// Health reports pool utilisation.
func (s *Store) Health() PoolStatus {
	stats := s.db.Stats()
	return PoolStatus{
		Size: stats.OpenConnections,
		Idle: stats.Idle,
		Busy: stats.InUse,
		Max:  stats.MaxOpenConnections,
	}
}

// StoreEpisode atomically inserts an episode and its embedding. A nil
// embedding stores the episode without a vector row (the store_null
// policy); it will never surface from similarity search. Dimension
// mismatches fail with a constraint violation before any write.
func (s *Store) StoreEpisode(ctx context.Context, ep Episode, embedding []float32) (string, error) {
	if embedding != nil && len(embedding) != s.dimensions {
		return "", herrors.New(herrors.KindConstraintViolation,
			"embedding has %d dimensions, store requires %d", len(embedding), s.dimensions)
	}
	if ep.EpisodeID == "" {
		return "", herrors.New(herrors.KindConstraintViolation, "episode_id is required")
	}

	perception, err := json.Marshal(ep.Perception)
	if err != nil {
		return "", fmt.Errorf("marshal perception: %w", err)
	}
	reasoning, err := json.Marshal(ep.Reasoning)
	if err != nil {
		return "", fmt.Errorf("marshal reasoning: %w", err)
	}
	action, err := json.Marshal(ep.Action)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	var outcome any
	if ep.Outcome != nil {
		raw, err := json.Marshal(ep.Outcome)
		if err != nil {
			return "", fmt.Errorf("marshal outcome: %w", err)
		}
		outcome = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin episode tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO episodes (episode_id, project_id, timestamp, perception, reasoning, action,
			outcome, outcome_quality, agent_version, control_mode, decision_source, sprint_id, external_note_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.EpisodeID, ep.ProjectID, ep.Timestamp.UTC(), string(perception), string(reasoning), string(action),
		outcome, ep.OutcomeQuality, ep.AgentVersion, ep.ControlMode, ep.DecisionSource,
		nullString(ep.SprintID), nullString(ep.ExternalNoteID))
	if err != nil {
		return "", herrors.Wrap(herrors.KindConstraintViolation, err, "insert episode %s", ep.EpisodeID)
	}

	if embedding != nil {
		rowid, err := res.LastInsertId()
		if err != nil {
			return "", fmt.Errorf("episode rowid: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO episode_vec (rowid, embedding) VALUES (?, ?)`,
			rowid, encodeVector(embedding)); err != nil {
			return "", fmt.Errorf("insert episode vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit episode: %w", err)
	}
	return ep.EpisodeID, nil
}

// FindSimilarEpisodes runs a KNN query against the vector index and
// returns episodes ordered by ascending cosine distance. Results below
// minSimilarity are dropped; excludeProjectID filters the querying
// project's own episodes out when cross-project search is wanted.
func (s *Store) FindSimilarEpisodes(ctx context.Context, queryVec []float32, excludeProjectID string, limit int, minSimilarity float64) ([]SimilarEpisode, error) {
	if len(queryVec) != s.dimensions {
		return nil, herrors.New(herrors.KindVectorDimensionMismatch,
			"query vector has %d dimensions, store requires %d", len(queryVec), s.dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	// The k = ? bound is the vec0 KNN constraint; it keeps the query on
	// the vector index instead of a full scan. Over-fetch to survive the
	// project filter applied afterwards.
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.episode_id, e.project_id, e.timestamp, e.perception, e.reasoning, e.action,
			e.outcome, e.outcome_quality, e.outcome_recorded_at,
			e.agent_version, e.control_mode, e.decision_source, e.sprint_id, e.external_note_id,
			v.distance
		FROM episode_vec v
		JOIN episodes e ON e.id = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance ASC`,
		encodeVector(queryVec), limit*3)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SimilarEpisode
	for rows.Next() {
		var (
			se       SimilarEpisode
			distance float64
		)
		ep, err := scanEpisode(rows, &distance)
		if err != nil {
			return nil, err
		}
		se.Episode = *ep
		se.Similarity = 1.0 - distance
		if se.Similarity < minSimilarity {
			continue
		}
		if excludeProjectID != "" && se.ProjectID == excludeProjectID {
			continue
		}
		results = append(results, se)
		if len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// UpdateEpisodeOutcome records an observed outcome. The update is
// idempotent: an episode whose outcome_recorded_at is already set is
// left untouched so back-fill workers can safely re-run.
func (s *Store) UpdateEpisodeOutcome(ctx context.Context, episodeID string, outcome Outcome, quality float64) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE episodes
		SET outcome = ?, outcome_quality = ?, outcome_recorded_at = ?
		WHERE episode_id = ? AND outcome_recorded_at IS NULL`,
		string(raw), quality, time.Now().UTC(), episodeID)
	if err != nil {
		return fmt.Errorf("update episode outcome %s: %w", episodeID, err)
	}
	return nil
}

// EpisodesWithoutOutcome lists episodes with a sprint linkage and no
// recorded outcome, oldest first, for the back-fill worker.
func (s *Store) EpisodesWithoutOutcome(ctx context.Context, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, project_id, timestamp, perception, reasoning, action,
			outcome, outcome_quality, outcome_recorded_at,
			agent_version, control_mode, decision_source, sprint_id, external_note_id
		FROM episodes
		WHERE sprint_id IS NOT NULL AND outcome_recorded_at IS NULL
		ORDER BY timestamp ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query episodes without outcome: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows, nil)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, *ep)
	}
	return episodes, rows.Err()
}

// GetEpisode fetches a single episode by id.
func (s *Store) GetEpisode(ctx context.Context, episodeID string) (*Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, project_id, timestamp, perception, reasoning, action,
			outcome, outcome_quality, outcome_recorded_at,
			agent_version, control_mode, decision_source, sprint_id, external_note_id
		FROM episodes WHERE episode_id = ?`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query episode %s: %w", episodeID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, herrors.New(herrors.KindNotFound, "episode %s not found", episodeID)
	}
	return scanEpisode(rows, nil)
}

// RecentEpisodes lists a project's episodes newest first.
func (s *Store) RecentEpisodes(ctx context.Context, projectID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, project_id, timestamp, perception, reasoning, action,
			outcome, outcome_quality, outcome_recorded_at,
			agent_version, control_mode, decision_source, sprint_id, external_note_id
		FROM episodes
		WHERE project_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent episodes for %s: %w", projectID, err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows, nil)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, *ep)
	}
	return episodes, rows.Err()
}

// OutcomeStatsBySource aggregates mean outcome quality per decision
// source for the decision-impact report.
func (s *Store) OutcomeStatsBySource(ctx context.Context, projectID string) (map[string]OutcomeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_source, COUNT(*),
			COUNT(outcome_quality),
			COALESCE(AVG(outcome_quality), 0)
		FROM episodes
		WHERE project_id = ?
		GROUP BY decision_source`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query outcome stats for %s: %w", projectID, err)
	}
	defer rows.Close()

	stats := make(map[string]OutcomeStats)
	for rows.Next() {
		var (
			source string
			st     OutcomeStats
		)
		if err := rows.Scan(&source, &st.Episodes, &st.WithOutcome, &st.MeanQuality); err != nil {
			return nil, fmt.Errorf("scan outcome stats: %w", err)
		}
		stats[source] = st
	}
	return stats, rows.Err()
}

// OutcomeStats summarises recorded outcomes for one decision source.
type OutcomeStats struct {
	Episodes    int     `json:"episodes"`
	WithOutcome int     `json:"with_outcome"`
	MeanQuality float64 `json:"mean_outcome_quality"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner, distance *float64) (*Episode, error) {
	var (
		ep                Episode
		perception        string
		reasoning         string
		action            string
		outcome           sql.NullString
		quality           sql.NullFloat64
		outcomeRecordedAt sql.NullTime
		sprintID          sql.NullString
		externalNoteID    sql.NullString
	)

	dest := []any{
		&ep.EpisodeID, &ep.ProjectID, &ep.Timestamp, &perception, &reasoning, &action,
		&outcome, &quality, &outcomeRecordedAt,
		&ep.AgentVersion, &ep.ControlMode, &ep.DecisionSource, &sprintID, &externalNoteID,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan episode: %w", err)
	}

	if err := json.Unmarshal([]byte(perception), &ep.Perception); err != nil {
		return nil, fmt.Errorf("decode perception: %w", err)
	}
	if err := json.Unmarshal([]byte(reasoning), &ep.Reasoning); err != nil {
		return nil, fmt.Errorf("decode reasoning: %w", err)
	}
	if err := json.Unmarshal([]byte(action), &ep.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if outcome.Valid {
		var out Outcome
		if err := json.Unmarshal([]byte(outcome.String), &out); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		ep.Outcome = &out
	}
	if quality.Valid {
		ep.OutcomeQuality = &quality.Float64
	}
	if outcomeRecordedAt.Valid {
		ep.OutcomeRecordedAt = &outcomeRecordedAt.Time
	}
	ep.SprintID = sprintID.String
	ep.ExternalNoteID = externalNoteID.String

	return &ep, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
