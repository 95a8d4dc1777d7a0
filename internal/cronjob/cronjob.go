// Package cronjob manages the daily-scrum scheduled job tied to each
// active sprint: deterministic naming, manifest generation and the
// self-heal ensure/delete cycle against the scheduler API.
package cronjob

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/helmsman/internal/herrors"
	"github.com/antigravity-dev/helmsman/internal/upstream"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

var manifestTemplate = template.Must(template.ParseFS(templateFiles, "templates/*.tmpl"))

// JobName derives the canonical scheduled-job name for a sprint. The
// format is fixed; external consumers match on it byte for byte.
func JobName(projectID, sprintID string) string {
	return "run-dailyscrum-" + strings.ToLower(projectID) + "-" + strings.ToLower(sprintID)
}

// manifestData feeds the manifest template.
type manifestData struct {
	Name           string
	ProjectID      string
	SprintID       string
	ProjectIDLower string
	SprintIDLower  string
	Schedule       string
	Image          string
	HealthURL      string
}

// Controller ensures scheduled jobs exist for active sprints and
// removes them when sprints close.
type Controller struct {
	scheduler upstream.SchedulerClient
	schedule  string
	image     string
	healthURL string
	logger    *slog.Logger
}

func NewController(scheduler upstream.SchedulerClient, schedule, image, healthURL string, logger *slog.Logger) *Controller {
	return &Controller{
		scheduler: scheduler,
		schedule:  schedule,
		image:     image,
		healthURL: healthURL,
		logger:    logger.With("component", "cronjob"),
	}
}

// RenderManifest produces the scheduled-job manifest and validates that
// it is well-formed YAML before anything is sent to the scheduler.
func (c *Controller) RenderManifest(projectID, sprintID string) (string, error) {
	var buf bytes.Buffer
	err := manifestTemplate.Execute(&buf, manifestData{
		Name:           JobName(projectID, sprintID),
		ProjectID:      projectID,
		SprintID:       sprintID,
		ProjectIDLower: strings.ToLower(projectID),
		SprintIDLower:  strings.ToLower(sprintID),
		Schedule:       c.schedule,
		Image:          c.image,
		HealthURL:      c.healthURL,
	})
	if err != nil {
		return "", fmt.Errorf("render manifest for %s/%s: %w", projectID, sprintID, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		return "", fmt.Errorf("rendered manifest is not valid yaml: %w", err)
	}
	return buf.String(), nil
}

// Ensure creates the scheduled job for the sprint if it does not exist.
// Returns true when a job was created by this call.
func (c *Controller) Ensure(ctx context.Context, projectID, sprintID string) (bool, error) {
	name := JobName(projectID, sprintID)

	exists, err := c.scheduler.JobExists(ctx, name)
	if err != nil {
		return false, herrors.Wrap(herrors.KindSchedulerRejected, err, "check job %s", name)
	}
	if exists {
		return false, nil
	}

	manifest, err := c.RenderManifest(projectID, sprintID)
	if err != nil {
		return false, err
	}
	if err := c.scheduler.CreateJob(ctx, name, manifest); err != nil {
		return false, herrors.Wrap(herrors.KindSchedulerRejected, err, "create job %s", name)
	}
	c.logger.Info("created scheduled job", "name", name, "project_id", projectID, "sprint_id", sprintID)
	return true, nil
}

// Delete removes the scheduled job for a closed sprint. A job that is
// already gone is not an error.
func (c *Controller) Delete(ctx context.Context, projectID, sprintID string) error {
	name := JobName(projectID, sprintID)
	if err := c.scheduler.DeleteJob(ctx, name); err != nil {
		if herrors.Is(err, herrors.KindNotFound) {
			return nil
		}
		return herrors.Wrap(herrors.KindSchedulerRejected, err, "delete job %s", name)
	}
	c.logger.Info("deleted scheduled job", "name", name, "project_id", projectID, "sprint_id", sprintID)
	return nil
}
