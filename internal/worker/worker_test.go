package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/models"
	memqueue "github.com/homeport-sh/homeport/internal/queue/memory"
	"github.com/homeport-sh/homeport/internal/runtime"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/store"
	memstore "github.com/homeport-sh/homeport/internal/store/memory"
)

type testHarness struct {
	worker  *Worker
	tracker *lifecycle.Tracker
	store   store.Store
	runtime *runtime.Mock
}

func newTestHarness(t *testing.T, secretsSvc *secrets.Service) *testHarness {
	t.Helper()

	st := memstore.NewMemoryStore()
	q := memqueue.NewMemoryQueue()
	rt := runtime.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var opts []lifecycle.Option
	if secretsSvc != nil {
		opts = append(opts, lifecycle.WithSnapshotCipher(secretsSvc))
	}
	tracker := lifecycle.NewTracker(st, logger, opts...)

	cfg := &Config{
		Concurrency:    1,
		PollInterval:   10 * time.Millisecond,
		InstallTimeout: time.Minute,
	}
	w := NewWorker(cfg, tracker, st, q, rt, secretsSvc, nil, logger)

	return &testHarness{worker: w, tracker: tracker, store: st, runtime: rt}
}

func (h *testHarness) seedTemplate(t *testing.T, tpl *models.Template) {
	t.Helper()
	if err := h.store.Templates().Create(context.Background(), tpl); err != nil {
		t.Fatalf("seeding template: %v", err)
	}
}

func (h *testHarness) seedDeployment(t *testing.T, id, templateID, appName string, variables map[string]any) {
	t.Helper()
	_, err := h.tracker.Create(context.Background(), lifecycle.CreateParams{
		DeploymentID: id,
		TemplateID:   templateID,
		AppName:      appName,
		TotalSteps:   5,
		Variables:    variables,
	})
	if err != nil {
		t.Fatalf("seeding deployment: %v", err)
	}
}

func installJob(id, deploymentID, templateID, appName, image string) *models.InstallJob {
	return &models.InstallJob{
		ID:           id,
		DeploymentID: deploymentID,
		TemplateID:   templateID,
		AppName:      appName,
		Image:        image,
	}
}

func nextcloudTemplate() *models.Template {
	return &models.Template{
		ID:         "tpl-nextcloud",
		Name:       "Nextcloud",
		Category:   "storage",
		Image:      "nextcloud:latest",
		TotalSteps: 5,
		Ports:      map[int]int{8080: 80},
	}
}

func TestProcessInstall(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", map[string]any{})

	job := installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, err := h.store.Deployments().Get(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != models.DeploymentStatusCompleted {
		t.Fatalf("status = %s, want completed", d.Status)
	}
	if d.ProgressPercent != 100 {
		t.Errorf("progress = %v, want 100", d.ProgressPercent)
	}
	if d.ContainerID == "" {
		t.Error("container ID not recorded")
	}
	if d.ContainerName != "homeport-nextcloud" {
		t.Errorf("container name = %s, want homeport-nextcloud", d.ContainerName)
	}
	if d.StartedAt == nil || d.CompletedAt == nil {
		t.Error("lifecycle timestamps not stamped")
	}

	state, err := h.runtime.ContainerStatus(ctx, d.ContainerID)
	if err != nil || state != runtime.StateRunning {
		t.Errorf("container state = %s, %v", state, err)
	}

	entries, _ := h.tracker.Logs(ctx, "dep-1", 0)
	if len(entries) == 0 {
		t.Error("no log entries recorded during install")
	}
}

func TestProcessInstallPullFailure(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)
	h.runtime.PullErr = errors.New("registry timeout")

	job := installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")
	// Deployment failures consume the job; only infrastructure errors propagate.
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.ErrorMessage != "image pull failed" {
		t.Errorf("error message = %q", d.ErrorMessage)
	}
	if d.RollbackAvailable {
		t.Error("rollback available without a prior install")
	}
}

func TestProcessInstallUnknownTemplate(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedDeployment(t, "dep-1", "tpl-ghost", "ghost", nil)

	job := installJob("job-1", "dep-1", "tpl-ghost", "ghost", "ghost:latest")
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.ErrorMessage != "template not found" {
		t.Errorf("error message = %q", d.ErrorMessage)
	}
}

func TestProcessInstallPreCancelled(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)

	if err := h.tracker.MarkCancelled(ctx, "dep-1"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	job := installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusCancelled {
		t.Errorf("status = %s, want cancelled to stick", d.Status)
	}
	if d.ContainerID != "" {
		t.Error("container created for a cancelled deployment")
	}
}

func TestProcessInstallSecretVariable(t *testing.T) {
	pub, priv, err := secrets.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	svc, err := secrets.NewService(secrets.Config{AgePublicKey: pub, AgePrivateKey: priv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h := newTestHarness(t, svc)
	ctx := context.Background()

	tpl := nextcloudTemplate()
	tpl.Variables = []models.VariableSpec{{Name: "DB_PASSWORD", Secret: true}}
	h.seedTemplate(t, tpl)

	sealed, err := svc.SealString("hunter2")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", map[string]any{"DB_PASSWORD": sealed})

	job := installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusCompleted {
		t.Fatalf("status = %s, want completed", d.Status)
	}

	spec, ok := h.runtime.Spec(d.ContainerID)
	if !ok {
		t.Fatal("container spec not recorded")
	}
	found := false
	for _, env := range spec.Env {
		if env == "DB_PASSWORD=hunter2" {
			found = true
		}
		if strings.Contains(env, "AGE ENCRYPTED") {
			t.Error("sealed value passed to the container")
		}
	}
	if !found {
		t.Errorf("unsealed secret missing from env: %v", spec.Env)
	}
}

func TestProcessInstallSecretWithoutKey(t *testing.T) {
	pub, _, err := secrets.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sealSvc, err := secrets.NewService(secrets.Config{AgePublicKey: pub}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	// The worker holds no private key, so the sealed value cannot be opened.
	h := newTestHarness(t, nil)
	ctx := context.Background()

	tpl := nextcloudTemplate()
	tpl.Variables = []models.VariableSpec{{Name: "DB_PASSWORD", Secret: true}}
	h.seedTemplate(t, tpl)

	sealed, err := sealSvc.SealString("hunter2")
	if err != nil {
		t.Fatalf("SealString: %v", err)
	}
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", map[string]any{"DB_PASSWORD": sealed})

	job := installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")
	if err := h.worker.ProcessJob(ctx, job); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.ErrorMessage != "invalid container configuration" {
		t.Errorf("error message = %q", d.ErrorMessage)
	}
}

func TestSnapshotPrevious(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())

	// First install completes and leaves a running container.
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)
	if err := h.worker.ProcessJob(ctx, installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first, _ := h.store.Deployments().Get(ctx, "dep-1")

	// Reinstalling the same app snapshots the prior install.
	h.seedDeployment(t, "dep-2", "tpl-nextcloud", "nextcloud", nil)
	if err := h.worker.ProcessJob(ctx, installJob("job-2", "dep-2", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("second install: %v", err)
	}

	state, err := h.tracker.SnapshotState(ctx, "dep-2")
	if err != nil {
		t.Fatalf("SnapshotState: %v", err)
	}
	if state["container_id"] != first.ContainerID {
		t.Errorf("snapshot container_id = %v, want %s", state["container_id"], first.ContainerID)
	}
	if state["deployment_id"] != "dep-1" {
		t.Errorf("snapshot deployment_id = %v", state["deployment_id"])
	}
}

func TestProcessRollback(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())

	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)
	if err := h.worker.ProcessJob(ctx, installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first, _ := h.store.Deployments().Get(ctx, "dep-1")

	h.seedDeployment(t, "dep-2", "tpl-nextcloud", "nextcloud", nil)
	if err := h.worker.ProcessJob(ctx, installJob("job-2", "dep-2", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("second install: %v", err)
	}
	second, _ := h.store.Deployments().Get(ctx, "dep-2")

	rollback := &models.InstallJob{
		ID:           "job-3",
		DeploymentID: "dep-2",
		TemplateID:   "tpl-nextcloud",
		AppName:      "nextcloud",
		Rollback:     true,
	}
	if err := h.worker.ProcessJob(ctx, rollback); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-2")
	if d.Status != models.DeploymentStatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", d.Status)
	}

	// The replacement container is gone; the prior one is running again.
	if _, err := h.runtime.ContainerStatus(ctx, second.ContainerID); err == nil {
		t.Error("rolled back container still present")
	}
	state, err := h.runtime.ContainerStatus(ctx, first.ContainerID)
	if err != nil || state != runtime.StateRunning {
		t.Errorf("prior container state = %s, %v", state, err)
	}
}

func TestProcessRollbackWithoutSnapshot(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)
	if err := h.worker.ProcessJob(ctx, installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("install: %v", err)
	}

	// Completed but never replaced anything: no snapshot to restore.
	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.RollbackSnapshot != nil {
		t.Fatal("unexpected snapshot on first install")
	}

	rollback := &models.InstallJob{ID: "job-2", DeploymentID: "dep-1", Rollback: true}
	if err := h.worker.ProcessJob(ctx, rollback); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	d, _ = h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.ErrorMessage != "rollback snapshot unavailable" {
		t.Errorf("error message = %q", d.ErrorMessage)
	}
}

func TestProcessRollbackFromNonCompleted(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)

	rollback := &models.InstallJob{ID: "job-1", DeploymentID: "dep-1", Rollback: true}
	if err := h.worker.ProcessJob(ctx, rollback); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	d, _ := h.store.Deployments().Get(ctx, "dep-1")
	if d.Status != models.DeploymentStatusPending {
		t.Errorf("status = %s, want pending left untouched", d.Status)
	}
}

func TestStartStop(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.seedTemplate(t, nextcloudTemplate())
	h.seedDeployment(t, "dep-1", "tpl-nextcloud", "nextcloud", nil)

	if err := h.worker.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.worker.Stop()

	if err := h.worker.queue.Enqueue(ctx, installJob("job-1", "dep-1", "tpl-nextcloud", "nextcloud", "nextcloud:latest")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		d, err := h.store.Deployments().Get(ctx, "dep-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if d.Status == models.DeploymentStatusCompleted {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("install did not complete, status = %s", d.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
