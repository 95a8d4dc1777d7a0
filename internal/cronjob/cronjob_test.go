package cronjob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/helmsman/internal/herrors"
)

type fakeScheduler struct {
	jobs      map[string]string
	existsErr error
	createErr error
	deleteErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]string)}
}

func (f *fakeScheduler) JobExists(_ context.Context, name string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.jobs[name]
	return ok, nil
}

func (f *fakeScheduler) CreateJob(_ context.Context, name, manifest string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[name] = manifest
	return nil
}

func (f *fakeScheduler) DeleteJob(_ context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.jobs[name]; !ok {
		return herrors.New(herrors.KindNotFound, "job %s not found", name)
	}
	delete(f.jobs, name)
	return nil
}

func newTestController(s *fakeScheduler) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(s, "0 9 * * 1-5", "registry.local/daily-scrum:1", "http://sprint-service/health", logger)
}

func TestJobNameDerivation(t *testing.T) {
	cases := []struct {
		project, sprint, want string
	}{
		{"TEST-001", "TEST-001-S12", "run-dailyscrum-test-001-test-001-s12"},
		{"alpha", "S1", "run-dailyscrum-alpha-s1"},
		{"MiXeD", "Sp-2", "run-dailyscrum-mixed-sp-2"},
	}
	for _, c := range cases {
		if got := JobName(c.project, c.sprint); got != c.want {
			t.Fatalf("JobName(%q, %q) = %q, want %q", c.project, c.sprint, got, c.want)
		}
	}
}

func TestRenderManifestValidYAML(t *testing.T) {
	c := newTestController(newFakeScheduler())

	manifest, err := c.RenderManifest("TEST-001", "TEST-001-S12")
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(manifest), &doc); err != nil {
		t.Fatalf("manifest must be valid yaml: %v", err)
	}
	meta := doc["metadata"].(map[string]any)
	if meta["name"] != "run-dailyscrum-test-001-test-001-s12" {
		t.Fatalf("manifest name: %v", meta["name"])
	}
	if !strings.Contains(manifest, "0 9 * * 1-5") {
		t.Fatal("schedule missing from manifest")
	}
}

func TestRenderManifestHealthWaitIsPOSIX(t *testing.T) {
	c := newTestController(newFakeScheduler())

	manifest, err := c.RenderManifest("P", "S")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	// The health wait must use POSIX string equality, not bash ==.
	if strings.Contains(manifest, "==") {
		t.Fatal("health wait must not use bash-only == comparison")
	}
	if !strings.Contains(manifest, `= "ok"`) {
		t.Fatalf("health wait comparison missing:\n%s", manifest)
	}
}

func TestEnsureCreatesMissingJob(t *testing.T) {
	s := newFakeScheduler()
	c := newTestController(s)

	created, err := c.Ensure(context.Background(), "TEST-001", "TEST-001-S12")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("missing job should be created")
	}
	if _, ok := s.jobs["run-dailyscrum-test-001-test-001-s12"]; !ok {
		t.Fatalf("job not registered: %v", s.jobs)
	}

	// Second ensure is a no-op.
	created, err = c.Ensure(context.Background(), "TEST-001", "TEST-001-S12")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if created {
		t.Fatal("existing job must not be recreated")
	}
}

func TestEnsureSchedulerFailure(t *testing.T) {
	s := newFakeScheduler()
	s.createErr = errors.New("scheduler rejected manifest")
	c := newTestController(s)

	_, err := c.Ensure(context.Background(), "P", "S")
	if !herrors.Is(err, herrors.KindSchedulerRejected) {
		t.Fatalf("want scheduler_rejected, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newFakeScheduler()
	c := newTestController(s)

	if _, err := c.Ensure(context.Background(), "P", "S"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := c.Delete(context.Background(), "P", "S"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an absent job succeeds.
	if err := c.Delete(context.Background(), "P", "S"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}
