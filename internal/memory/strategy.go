package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/helmsman/internal/config"
	"github.com/antigravity-dev/helmsman/internal/herrors"
)

// Strategy lifecycle states. A strategy starts proposed, is promoted to
// active once validated, and leaves service either deprecated (sustained
// poor success rate) or retired (confidence collapsed under repeated
// contradiction).
const (
	StateProposed   = "proposed"
	StateActive     = "active"
	StateDeprecated = "deprecated"
	StateRetired    = "retired"
)

// Strategy is a semantic knowledge entry distilled from episodes.
// SuccessRate is always success_count / times_applied; it is derived,
// never stored.
type Strategy struct {
	KnowledgeID           string     `json:"knowledge_id"`
	Type                  string     `json:"knowledge_type"`
	Content               string     `json:"content"`
	Description           string     `json:"description"`
	Confidence            float64    `json:"confidence"`
	SupportingEpisodes    []string   `json:"supporting_episodes"`
	ContradictingEpisodes []string   `json:"contradicting_episodes"`
	TimesApplied          int        `json:"times_applied"`
	SuccessCount          int        `json:"success_count"`
	FailureCount          int        `json:"failure_count"`
	State                 string     `json:"state"`
	CreatedAt             time.Time  `json:"created_at"`
	LastValidated         *time.Time `json:"last_validated,omitempty"`
	LastApplied           *time.Time `json:"last_applied,omitempty"`
	CreatedBy             string     `json:"created_by"`
	Active                bool       `json:"active"`
}

// SuccessRate reports the observed application success rate, or 0 before
// any application.
func (st Strategy) SuccessRate() float64 {
	if st.TimesApplied == 0 {
		return 0
	}
	return float64(st.SuccessCount) / float64(st.TimesApplied)
}

// SaveStrategy inserts a new strategy in the proposed state.
func (s *Store) SaveStrategy(ctx context.Context, st *Strategy) error {
	if st.KnowledgeID == "" {
		st.KnowledgeID = uuid.NewString()
	}
	if st.State == "" {
		st.State = StateProposed
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.Active = st.State == StateProposed || st.State == StateActive

	supporting, err := json.Marshal(st.SupportingEpisodes)
	if err != nil {
		return fmt.Errorf("marshal supporting episodes: %w", err)
	}
	contradicting, err := json.Marshal(st.ContradictingEpisodes)
	if err != nil {
		return fmt.Errorf("marshal contradicting episodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge (
			knowledge_id, knowledge_type, content, description, confidence,
			supporting_episodes, contradicting_episodes,
			times_applied, success_count, failure_count,
			state, created_at, last_validated, last_applied, created_by, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.KnowledgeID, st.Type, st.Content, st.Description, st.Confidence,
		string(supporting), string(contradicting),
		st.TimesApplied, st.SuccessCount, st.FailureCount,
		st.State, st.CreatedAt, st.LastValidated, st.LastApplied, st.CreatedBy,
		boolToInt(st.Active))
	if err != nil {
		return herrors.Wrap(herrors.KindInternal, err, "save strategy %s", st.KnowledgeID)
	}
	return nil
}

// GetStrategy loads one strategy by id.
func (s *Store) GetStrategy(ctx context.Context, knowledgeID string) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT knowledge_id, knowledge_type, content, description, confidence,
		       supporting_episodes, contradicting_episodes,
		       times_applied, success_count, failure_count,
		       state, created_at, last_validated, last_applied, created_by, is_active
		FROM knowledge WHERE knowledge_id = ?`, knowledgeID)
	st, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, herrors.New(herrors.KindNotFound, "strategy %s not found", knowledgeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", knowledgeID, err)
	}
	return st, nil
}

// ActiveStrategies returns strategies still in service (proposed or
// active), highest confidence first.
func (s *Store) ActiveStrategies(ctx context.Context, knowledgeType string, limit int) ([]Strategy, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT knowledge_id, knowledge_type, content, description, confidence,
		       supporting_episodes, contradicting_episodes,
		       times_applied, success_count, failure_count,
		       state, created_at, last_validated, last_applied, created_by, is_active
		FROM knowledge WHERE is_active = 1`
	args := []any{}
	if knowledgeType != "" {
		query += ` AND knowledge_type = ?`
		args = append(args, knowledgeType)
	}
	query += ` ORDER BY confidence DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// RecordApplication records that a strategy was applied and whether the
// resulting sprint succeeded. Supporting or contradicting episode lists
// grow accordingly.
func (s *Store) RecordApplication(ctx context.Context, knowledgeID, episodeID string, success bool) error {
	st, err := s.GetStrategy(ctx, knowledgeID)
	if err != nil {
		return err
	}

	st.TimesApplied++
	now := time.Now().UTC()
	st.LastApplied = &now
	if success {
		st.SuccessCount++
		st.SupportingEpisodes = append(st.SupportingEpisodes, episodeID)
	} else {
		st.FailureCount++
		st.ContradictingEpisodes = append(st.ContradictingEpisodes, episodeID)
	}

	supporting, _ := json.Marshal(st.SupportingEpisodes)
	contradicting, _ := json.Marshal(st.ContradictingEpisodes)

	_, err = s.db.ExecContext(ctx, `
		UPDATE knowledge SET
			times_applied = ?, success_count = ?, failure_count = ?,
			supporting_episodes = ?, contradicting_episodes = ?, last_applied = ?
		WHERE knowledge_id = ?`,
		st.TimesApplied, st.SuccessCount, st.FailureCount,
		string(supporting), string(contradicting), now, knowledgeID)
	if err != nil {
		return herrors.Wrap(herrors.KindInternal, err, "record application of %s", knowledgeID)
	}
	return nil
}

// transitionStrategy moves a strategy to a terminal or validated state.
func (s *Store) transitionStrategy(ctx context.Context, knowledgeID, state string) error {
	active := state == StateProposed || state == StateActive
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge SET state = ?, is_active = ?, last_validated = ?
		WHERE knowledge_id = ?`,
		state, boolToInt(active), now, knowledgeID)
	if err != nil {
		return herrors.Wrap(herrors.KindInternal, err, "transition strategy %s to %s", knowledgeID, state)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return herrors.New(herrors.KindNotFound, "strategy %s not found", knowledgeID)
	}
	return nil
}

// PromoteStrategy activates a proposed strategy.
func (s *Store) PromoteStrategy(ctx context.Context, knowledgeID string) error {
	return s.transitionStrategy(ctx, knowledgeID, StateActive)
}

// EvolutionReport summarises one evolver pass.
type EvolutionReport struct {
	Evaluated  int      `json:"evaluated"`
	Promoted   int      `json:"promoted"`
	Deprecated int      `json:"deprecated"`
	Retired    int      `json:"retired"`
	Changed    []string `json:"changed,omitempty"`
}

// Evolver periodically re-evaluates the strategy population against
// observed outcomes.
type Evolver struct {
	store *Store
	cfg   config.Strategy
}

func NewEvolver(store *Store, cfg config.Strategy) *Evolver {
	return &Evolver{store: store, cfg: cfg}
}

// Evolve runs one evaluation pass. Confidence decays with contradiction
// pressure: confidence * (1 - contradictions/(supporting+contradictions)).
// A strategy with enough contradictions and decayed confidence under the
// retire threshold is retired; a well-exercised strategy whose success
// rate stays under the deprecation floor is deprecated; a proposed
// strategy that has proven itself is promoted.
func (e *Evolver) Evolve(ctx context.Context) (EvolutionReport, error) {
	strategies, err := e.store.ActiveStrategies(ctx, "", 500)
	if err != nil {
		return EvolutionReport{}, err
	}

	report := EvolutionReport{Evaluated: len(strategies)}
	for _, st := range strategies {
		support := len(st.SupportingEpisodes)
		contra := len(st.ContradictingEpisodes)

		effective := st.Confidence
		if support+contra > 0 {
			effective = st.Confidence * (1 - float64(contra)/float64(support+contra))
		}

		switch {
		case contra >= e.cfg.MinContradictions && effective < e.cfg.RetireThreshold:
			if err := e.store.transitionStrategy(ctx, st.KnowledgeID, StateRetired); err != nil {
				return report, err
			}
			report.Retired++
			report.Changed = append(report.Changed, st.KnowledgeID)

		case st.TimesApplied >= e.cfg.DeprecateMinApplied && st.SuccessRate() < e.cfg.DeprecateSuccessRate:
			if err := e.store.transitionStrategy(ctx, st.KnowledgeID, StateDeprecated); err != nil {
				return report, err
			}
			report.Deprecated++
			report.Changed = append(report.Changed, st.KnowledgeID)

		case st.State == StateProposed && st.TimesApplied >= e.cfg.DeprecateMinApplied && st.SuccessRate() >= e.cfg.DeprecateSuccessRate:
			if err := e.store.PromoteStrategy(ctx, st.KnowledgeID); err != nil {
				return report, err
			}
			report.Promoted++
			report.Changed = append(report.Changed, st.KnowledgeID)
		}
	}
	return report, nil
}

// Synthesize proposes new sprint-sizing strategies from clusters of
// successful episodes. A task count backed by at least minSupport
// high-quality outcomes becomes a proposed strategy unless an
// equivalent one already exists. The evolver only reads episodes and
// writes strategies; nothing feeds back into decisioning until the
// strategy is applied.
func (e *Evolver) Synthesize(ctx context.Context, minSupport int) (int, error) {
	if minSupport <= 0 {
		minSupport = 3
	}

	rows, err := e.store.db.QueryContext(ctx, `
		SELECT json_extract(action, '$.tasks_assigned') AS tasks,
			COUNT(*) AS support,
			AVG(outcome_quality) AS avg_quality,
			GROUP_CONCAT(episode_id) AS episode_ids
		FROM episodes
		WHERE outcome_quality >= 0.7
			AND json_extract(action, '$.created_sprint')
			AND json_extract(action, '$.tasks_assigned') > 0
		GROUP BY tasks
		HAVING support >= ?`, minSupport)
	if err != nil {
		return 0, fmt.Errorf("query successful episode clusters: %w", err)
	}
	defer rows.Close()

	type cluster struct {
		tasks      int
		avgQuality float64
		episodeIDs string
	}
	var clusters []cluster
	for rows.Next() {
		var (
			c       cluster
			support int
		)
		if err := rows.Scan(&c.tasks, &support, &c.avgQuality, &c.episodeIDs); err != nil {
			return 0, fmt.Errorf("scan episode cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	existing, err := e.store.ActiveStrategies(ctx, "sprint_sizing", 500)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, st := range existing {
		known[st.Content] = true
	}

	created := 0
	for _, c := range clusters {
		content := fmt.Sprintf("assign %d tasks per sprint", c.tasks)
		if known[content] {
			continue
		}
		st := &Strategy{
			Type:               "sprint_sizing",
			Content:            content,
			Description:        fmt.Sprintf("derived from successful sprints averaging %.2f outcome quality", c.avgQuality),
			Confidence:         c.avgQuality,
			SupportingEpisodes: strings.Split(c.episodeIDs, ","),
			CreatedBy:          "strategy_evolver",
		}
		if err := e.store.SaveStrategy(ctx, st); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func scanStrategy(row rowScanner) (*Strategy, error) {
	var (
		st            Strategy
		supporting    string
		contradicting string
		lastValidated sql.NullTime
		lastApplied   sql.NullTime
		active        int
	)
	err := row.Scan(
		&st.KnowledgeID, &st.Type, &st.Content, &st.Description, &st.Confidence,
		&supporting, &contradicting,
		&st.TimesApplied, &st.SuccessCount, &st.FailureCount,
		&st.State, &st.CreatedAt, &lastValidated, &lastApplied, &st.CreatedBy, &active)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(supporting), &st.SupportingEpisodes); err != nil {
		return nil, fmt.Errorf("decode supporting episodes: %w", err)
	}
	if err := json.Unmarshal([]byte(contradicting), &st.ContradictingEpisodes); err != nil {
		return nil, fmt.Errorf("decode contradicting episodes: %w", err)
	}
	if lastValidated.Valid {
		st.LastValidated = &lastValidated.Time
	}
	if lastApplied.Valid {
		st.LastApplied = &lastApplied.Time
	}
	st.Active = active != 0
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
