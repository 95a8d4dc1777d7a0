// Package analyzer builds the per-request project snapshot by fanning
// out over the collaborator services.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/patterns"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

// Snapshot is the transient per-request view of a project. Historical
// context starts empty; the decision engine attaches a pattern analysis
// when intelligence is enabled and healthy.
type Snapshot struct {
	ProjectID           string                    `json:"project_id"`
	ProjectStatus       string                    `json:"project_status"`
	TeamSize            int                       `json:"team_size"`
	TeamAvailability    upstream.TeamAvailability `json:"team_availability"`
	BacklogTasks        int                       `json:"backlog_tasks"`
	UnassignedTasks     int                       `json:"unassigned_tasks"`
	ActiveSprintsCount  int                       `json:"active_sprints_count"`
	CurrentActiveSprint *upstream.Sprint          `json:"current_active_sprint,omitempty"`
	PatternAnalysis     patterns.Analysis         `json:"pattern_analysis"`
	InsightsSummary     string                    `json:"insights_summary"`
	DataQuality         string                    `json:"data_quality_report"`
}

// PatternContext extracts the subset the pattern engine embeds.
func (s *Snapshot) PatternContext() patterns.ProjectContext {
	return patterns.ProjectContext{
		ProjectID:          s.ProjectID,
		Status:             s.ProjectStatus,
		TeamSize:           s.TeamSize,
		BacklogTasks:       s.BacklogTasks,
		UnassignedTasks:    s.UnassignedTasks,
		ActiveSprints:      s.ActiveSprintsCount,
		AvailabilityStatus: s.TeamAvailability.Status,
	}
}

// Analyzer fans out over the mandatory collaborators and assembles the
// snapshot. All four calls must succeed; a failure past the retry
// budget surfaces as upstream_unavailable.
type Analyzer struct {
	projects     upstream.ProjectClient
	availability upstream.AvailabilityClient
	backlog      upstream.BacklogClient
	sprints      upstream.SprintClient
	logger       *slog.Logger
	now          func() time.Time
}

func New(projects upstream.ProjectClient, availability upstream.AvailabilityClient, backlog upstream.BacklogClient, sprints upstream.SprintClient, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		projects:     projects,
		availability: availability,
		backlog:      backlog,
		sprints:      sprints,
		logger:       logger.With("component", "analyzer"),
		now:          time.Now,
	}
}

// Analyze builds the snapshot for one orchestration pass. The
// availability window is [today, today + durationWeeks).
func (a *Analyzer) Analyze(ctx context.Context, projectID string, durationWeeks int) (*Snapshot, error) {
	start := a.now().UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, durationWeeks*7)

	var (
		details      *upstream.ProjectDetails
		avail        *upstream.TeamAvailability
		backlog      *upstream.BacklogSummary
		activeSprint *upstream.Sprint
		sprintCount  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		details, err = a.projects.GetProject(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		avail, err = a.availability.GetTeamAvailability(gctx, projectID, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		backlog, err = a.backlog.GetBacklogSummary(gctx, projectID)
		return err
	})
	g.Go(func() error {
		sprint, err := a.sprints.GetActiveSprint(gctx, projectID)
		if herrors.Is(err, herrors.KindNotFound) {
			// No active sprint is a normal state, not a failure.
			return nil
		}
		if err != nil {
			return err
		}
		activeSprint = sprint
		count, err := a.sprints.GetSprintCount(gctx, projectID)
		if err != nil {
			return err
		}
		sprintCount = count
		return nil
	})

	if err := g.Wait(); err != nil {
		if herrors.Is(err, herrors.KindNotFound) {
			return nil, err
		}
		return nil, herrors.Wrap(herrors.KindUpstreamUnavailable, err,
			"snapshot for %s", projectID)
	}

	conflicts := append([]upstream.AvailabilityConflict(nil), avail.Conflicts...)
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Date.Before(conflicts[j].Date)
	})

	unassigned := backlog.UnassignedForSprint
	if unassigned < 0 {
		unassigned = 0
	}
	if activeSprint != nil && sprintCount < 1 {
		sprintCount = 1
	}

	snap := &Snapshot{
		ProjectID:     projectID,
		ProjectStatus: details.Status,
		TeamSize:      details.TeamSize,
		TeamAvailability: upstream.TeamAvailability{
			Status:    avail.Status,
			Conflicts: conflicts,
		},
		BacklogTasks:        backlog.TotalTasks,
		UnassignedTasks:     unassigned,
		ActiveSprintsCount:  sprintCount,
		CurrentActiveSprint: activeSprint,
		DataQuality:         "none",
		InsightsSummary:     "no historical context attached",
	}

	a.logger.Debug("snapshot built",
		"project_id", projectID,
		"unassigned", snap.UnassignedTasks,
		"active_sprints", snap.ActiveSprintsCount,
		"conflicts", len(conflicts))
	return snap, nil
}

// AttachAnalysis records the pattern analysis on the snapshot together
// with a quality grade derived from sample size.
func (s *Snapshot) AttachAnalysis(analysis patterns.Analysis) {
	s.PatternAnalysis = analysis
	switch n := len(analysis.SimilarProjects); {
	case !analysis.DataAvailable:
		s.DataQuality = "none"
		s.InsightsSummary = "no comparable historical projects found"
	case n >= 5:
		s.DataQuality = "high"
		s.InsightsSummary = fmt.Sprintf("%d comparable projects, %s velocity", n, analysis.VelocityTrends.TrendDirection)
	case n >= 3:
		s.DataQuality = "medium"
		s.InsightsSummary = fmt.Sprintf("%d comparable projects, %s velocity", n, analysis.VelocityTrends.TrendDirection)
	default:
		s.DataQuality = "low"
		s.InsightsSummary = fmt.Sprintf("only %d comparable projects", n)
	}
}
