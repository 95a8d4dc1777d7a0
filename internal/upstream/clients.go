package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/antigravity-dev/helmsman/internal/config"
)

// ProjectClient reads project details from the project service.
type ProjectClient interface {
	GetProject(ctx context.Context, projectID string) (*ProjectDetails, error)
}

// AvailabilityClient reads team availability over an explicit date range.
type AvailabilityClient interface {
	GetTeamAvailability(ctx context.Context, projectID string, start, end time.Time) (*TeamAvailability, error)
}

// BacklogClient reads backlog summaries and moves tasks between sprints.
type BacklogClient interface {
	GetBacklogSummary(ctx context.Context, projectID string) (*BacklogSummary, error)
	ListUnassignedTasks(ctx context.Context, projectID string, limit int) ([]Task, error)
	ListSprintTasks(ctx context.Context, projectID, sprintID string) ([]Task, error)
	MoveTasksToBacklog(ctx context.Context, projectID string, taskIDs []string) error
}

// SprintClient reads and mutates sprint state in the sprint service.
// GetVelocityHistory returns the most recent limit observations in
// chronological order, oldest first.
type SprintClient interface {
	GetActiveSprint(ctx context.Context, projectID string) (*Sprint, error)
	GetSprintCount(ctx context.Context, projectID string) (int, error)
	GetSprintTaskStats(ctx context.Context, sprintID string) (*SprintTaskStats, error)
	GetVelocityHistory(ctx context.Context, projectID string, limit int) ([]SprintVelocity, error)
	CreateSprint(ctx context.Context, req CreateSprintRequest) (*Sprint, error)
	CloseSprint(ctx context.Context, sprintID string) error
}

// ChronicleClient records retrospective notes.
type ChronicleClient interface {
	CreateRetrospective(ctx context.Context, note RetrospectiveNote) (string, error)
}

// SchedulerClient manages scheduled jobs by canonical name.
type SchedulerClient interface {
	JobExists(ctx context.Context, name string) (bool, error)
	CreateJob(ctx context.Context, name, manifest string) error
	DeleteJob(ctx context.Context, name string) error
}

type projectClient struct{ *httpClient }

// NewProjectClient builds the project-service client from config.
func NewProjectClient(cfg config.Upstream, logger *slog.Logger) ProjectClient {
	return &projectClient{newHTTPClient(cfg.ProjectURL, cfg, logger)}
}

func (c *projectClient) GetProject(ctx context.Context, projectID string) (*ProjectDetails, error) {
	var out ProjectDetails
	path := "/api/projects/" + url.PathEscape(projectID)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type availabilityClient struct{ *httpClient }

// NewAvailabilityClient builds the team-availability client from config.
// Availability lives on the project service in the reference deployment.
func NewAvailabilityClient(cfg config.Upstream, logger *slog.Logger) AvailabilityClient {
	return &availabilityClient{newHTTPClient(cfg.ProjectURL, cfg, logger)}
}

func (c *availabilityClient) GetTeamAvailability(ctx context.Context, projectID string, start, end time.Time) (*TeamAvailability, error) {
	var out TeamAvailability
	path := fmt.Sprintf("/api/projects/%s/availability?start=%s&end=%s",
		url.PathEscape(projectID),
		start.Format(time.DateOnly),
		end.Format(time.DateOnly))
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type backlogClient struct{ *httpClient }

// NewBacklogClient builds the backlog-service client from config.
func NewBacklogClient(cfg config.Upstream, logger *slog.Logger) BacklogClient {
	return &backlogClient{newHTTPClient(cfg.BacklogURL, cfg, logger)}
}

func (c *backlogClient) GetBacklogSummary(ctx context.Context, projectID string) (*BacklogSummary, error) {
	var out BacklogSummary
	path := "/api/backlog/" + url.PathEscape(projectID) + "/summary"
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *backlogClient) ListUnassignedTasks(ctx context.Context, projectID string, limit int) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	path := fmt.Sprintf("/api/backlog/%s/tasks?status=unassigned&no_sprint=true&limit=%d", url.PathEscape(projectID), limit)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ListSprintTasks returns the incomplete tasks still assigned to a
// sprint.
func (c *backlogClient) ListSprintTasks(ctx context.Context, projectID, sprintID string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	path := fmt.Sprintf("/api/backlog/%s/tasks?sprint_id=%s&completed=false",
		url.PathEscape(projectID), url.QueryEscape(sprintID))
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *backlogClient) MoveTasksToBacklog(ctx context.Context, projectID string, taskIDs []string) error {
	in := map[string]any{"task_ids": taskIDs}
	path := "/api/backlog/" + url.PathEscape(projectID) + "/tasks/move-to-backlog"
	return c.doJSON(ctx, "POST", path, in, nil)
}

type sprintClient struct{ *httpClient }

// NewSprintClient builds the sprint-service client from config.
func NewSprintClient(cfg config.Upstream, logger *slog.Logger) SprintClient {
	return &sprintClient{newHTTPClient(cfg.SprintURL, cfg, logger)}
}

func (c *sprintClient) GetActiveSprint(ctx context.Context, projectID string) (*Sprint, error) {
	var out Sprint
	path := "/api/sprints/active?project_id=" + url.QueryEscape(projectID)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *sprintClient) GetSprintCount(ctx context.Context, projectID string) (int, error) {
	var out struct {
		ActiveCount int `json:"active_count"`
	}
	path := "/api/sprints/count?project_id=" + url.QueryEscape(projectID)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return 0, err
	}
	return out.ActiveCount, nil
}

func (c *sprintClient) GetSprintTaskStats(ctx context.Context, sprintID string) (*SprintTaskStats, error) {
	var out SprintTaskStats
	path := "/api/sprints/" + url.PathEscape(sprintID) + "/task-stats"
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *sprintClient) GetVelocityHistory(ctx context.Context, projectID string, limit int) ([]SprintVelocity, error) {
	var out struct {
		Velocities []SprintVelocity `json:"velocities"`
	}
	path := fmt.Sprintf("/api/sprints/velocity?project_id=%s&limit=%d&order=asc", url.QueryEscape(projectID), limit)
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Velocities, nil
}

func (c *sprintClient) CreateSprint(ctx context.Context, req CreateSprintRequest) (*Sprint, error) {
	var out Sprint
	if err := c.doJSON(ctx, "POST", "/api/sprints", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *sprintClient) CloseSprint(ctx context.Context, sprintID string) error {
	path := "/api/sprints/" + url.PathEscape(sprintID) + "/close"
	return c.doJSON(ctx, "POST", path, nil, nil)
}

type chronicleClient struct{ *httpClient }

// NewChronicleClient builds the chronicle-service client from config.
func NewChronicleClient(cfg config.Upstream, logger *slog.Logger) ChronicleClient {
	return &chronicleClient{newHTTPClient(cfg.ChronicleURL, cfg, logger)}
}

func (c *chronicleClient) CreateRetrospective(ctx context.Context, note RetrospectiveNote) (string, error) {
	var out struct {
		NoteID string `json:"note_id"`
	}
	if err := c.doJSON(ctx, "POST", "/api/notes/retrospective", note, &out); err != nil {
		return "", err
	}
	return out.NoteID, nil
}

type schedulerClient struct{ *httpClient }

// NewSchedulerClient builds the scheduled-job API client from config.
func NewSchedulerClient(cfg config.Upstream, logger *slog.Logger) SchedulerClient {
	return &schedulerClient{newHTTPClient(cfg.SchedulerURL, cfg, logger)}
}

func (c *schedulerClient) JobExists(ctx context.Context, name string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	path := "/api/jobs/" + url.PathEscape(name)
	err := c.doJSON(ctx, "GET", path, nil, &out)
	if err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (c *schedulerClient) CreateJob(ctx context.Context, name, manifest string) error {
	in := map[string]string{"name": name, "manifest": manifest}
	return c.doJSON(ctx, "POST", "/api/jobs", in, nil)
}

func (c *schedulerClient) DeleteJob(ctx context.Context, name string) error {
	path := "/api/jobs/" + url.PathEscape(name)
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}
