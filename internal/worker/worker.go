// Package worker processes install and rollback jobs from the queue, driving
// each deployment through its status progression against the container
// runtime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/metrics"
	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/queue"
	"github.com/homeport-sh/homeport/internal/runtime"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/store"
)

// Worker processes install jobs from the queue.
type Worker struct {
	tracker *lifecycle.Tracker
	store   store.Store
	queue   queue.Queue
	runtime runtime.Runtime
	secrets *secrets.Service
	metrics *metrics.Metrics
	logger  *slog.Logger

	concurrency    int
	pollInterval   time.Duration
	installTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds configuration for the install worker.
type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	InstallTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:    4,
		PollInterval:   2 * time.Second,
		InstallTimeout: 15 * time.Minute,
	}
}

// NewWorker creates a new install worker. secretsSvc and m may be nil.
func NewWorker(cfg *Config, tracker *lifecycle.Tracker, s store.Store, q queue.Queue, rt runtime.Runtime, secretsSvc *secrets.Service, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		tracker:        tracker,
		store:          s,
		queue:          q,
		runtime:        rt,
		secrets:        secretsSvc,
		metrics:        m,
		logger:         logger,
		concurrency:    cfg.Concurrency,
		pollInterval:   cfg.PollInterval,
		installTimeout: cfg.InstallTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start begins processing install jobs from the queue.
// It spawns multiple goroutines based on the configured concurrency.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting install worker", "concurrency", w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	return nil
}

// Stop gracefully stops the worker and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.logger.Info("stopping install worker")
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("install worker stopped")
}

// workerLoop is the main loop for a single worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
			job, err := w.queue.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrNoJobs) {
					time.Sleep(w.pollInterval)
					continue
				}
				logger.Error("failed to dequeue job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if err := w.ProcessJob(ctx, job); err != nil {
				logger.Error("failed to process job",
					"job_id", job.ID,
					"deployment_id", job.DeploymentID,
					"error", err,
				)
				if nackErr := w.queue.Nack(ctx, job.ID); nackErr != nil {
					logger.Error("failed to nack job", "job_id", job.ID, "error", nackErr)
				}
				continue
			}

			if err := w.queue.Ack(ctx, job.ID); err != nil {
				logger.Error("failed to ack job", "job_id", job.ID, "error", err)
			}
		}
	}
}

// ProcessJob executes a single job. A returned error means the job should be
// retried; a deployment failure is recorded on the deployment and consumes
// the job.
func (w *Worker) ProcessJob(ctx context.Context, job *models.InstallJob) error {
	if w.installTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.installTimeout)
		defer cancel()
	}

	if w.metrics != nil {
		w.metrics.ActiveInstalls.Inc()
		defer w.metrics.ActiveInstalls.Dec()
	}

	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.RecordInstall(time.Since(start))
		}
	}()

	if job.Rollback {
		return w.processRollback(ctx, job)
	}
	return w.processInstall(ctx, job)
}

// processInstall drives a deployment through pull, create, configure, start
// and verify. Cancellation is cooperative: the status is re-read between
// phases and a cancelled record stops the install where it stands.
func (w *Worker) processInstall(ctx context.Context, job *models.InstallJob) error {
	logger := w.logger.With("deployment_id", job.DeploymentID)
	logger.Info("processing install job", "job_id", job.ID, "image", job.Image)

	if err := w.tracker.MarkStarted(ctx, job.DeploymentID); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			// Cancelled or otherwise finished before we picked it up.
			logger.Info("skipping install, deployment no longer startable")
			return nil
		}
		return fmt.Errorf("marking deployment started: %w", err)
	}
	w.recordTransition(models.DeploymentStatusPullingImage)

	d, err := w.store.Deployments().Get(ctx, job.DeploymentID)
	if err != nil {
		return fmt.Errorf("getting deployment: %w", err)
	}

	template, err := w.store.Templates().Get(ctx, job.TemplateID)
	if err != nil {
		w.fail(ctx, job.DeploymentID, "pull", "template not found", err.Error())
		return nil
	}

	// Replacing an existing install: capture the old container so the
	// operator can roll back to it.
	w.snapshotPrevious(ctx, d)

	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, fmt.Sprintf("Pulling image %s", job.Image), "Pulling image")
	w.advance(ctx, job.DeploymentID, 1, "Pulling image")
	if err := w.runtime.PullImage(ctx, job.Image); err != nil {
		w.fail(ctx, job.DeploymentID, "pull", "image pull failed", err.Error())
		return nil
	}

	if w.cancelled(ctx, job.DeploymentID) {
		return nil
	}

	if err := w.tracker.MarkCreatingContainer(ctx, job.DeploymentID); err != nil {
		return w.transitionErr(ctx, err, "marking creating_container")
	}
	w.recordTransition(models.DeploymentStatusCreatingContainer)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Creating container", "Creating container")
	w.advance(ctx, job.DeploymentID, 2, "Creating container")

	spec, err := w.buildSpec(d, template, job)
	if err != nil {
		w.fail(ctx, job.DeploymentID, "create", "invalid container configuration", err.Error())
		return nil
	}

	containerID, err := w.runtime.CreateContainer(ctx, spec)
	if err != nil {
		w.fail(ctx, job.DeploymentID, "create", "container creation failed", err.Error())
		return nil
	}

	if err := w.tracker.RecordOutputs(ctx, job.DeploymentID, lifecycle.Outputs{
		ContainerID:   containerID,
		ContainerName: spec.Name,
	}); err != nil {
		return fmt.Errorf("recording container outputs: %w", err)
	}

	if w.cancelled(ctx, job.DeploymentID) {
		w.removeQuietly(ctx, containerID)
		return nil
	}

	if err := w.tracker.MarkConfiguring(ctx, job.DeploymentID); err != nil {
		return w.transitionErr(ctx, err, "marking configuring")
	}
	w.recordTransition(models.DeploymentStatusConfiguring)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Applying configuration", "Configuring")
	w.advance(ctx, job.DeploymentID, 3, "Configuring")

	if w.cancelled(ctx, job.DeploymentID) {
		w.removeQuietly(ctx, containerID)
		return nil
	}

	if err := w.tracker.MarkStarting(ctx, job.DeploymentID); err != nil {
		return w.transitionErr(ctx, err, "marking starting")
	}
	w.recordTransition(models.DeploymentStatusStarting)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Starting container", "Starting")
	w.advance(ctx, job.DeploymentID, 4, "Starting")

	if err := w.runtime.StartContainer(ctx, containerID); err != nil {
		w.fail(ctx, job.DeploymentID, "start", "container start failed", err.Error())
		return nil
	}

	if err := w.tracker.MarkRunning(ctx, job.DeploymentID); err != nil {
		return w.transitionErr(ctx, err, "marking running")
	}
	w.recordTransition(models.DeploymentStatusRunning)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Verifying container state", "Verifying")
	w.advance(ctx, job.DeploymentID, 5, "Verifying")

	state, err := w.runtime.ContainerStatus(ctx, containerID)
	if err != nil || state != runtime.StateRunning {
		details := fmt.Sprintf("container state %s", state)
		if err != nil {
			details = err.Error()
		}
		w.fail(ctx, job.DeploymentID, "verify", "container did not reach running state", details)
		return nil
	}

	if err := w.tracker.MarkCompleted(ctx, job.DeploymentID, containerID, spec.Name); err != nil {
		return w.transitionErr(ctx, err, "marking completed")
	}
	w.recordTransition(models.DeploymentStatusCompleted)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Install completed", "Completed")

	logger.Info("install completed", "container_id", containerID)
	return nil
}

// processRollback stops and removes the current container and restores the
// snapshotted one, finishing in rolled_back.
func (w *Worker) processRollback(ctx context.Context, job *models.InstallJob) error {
	logger := w.logger.With("deployment_id", job.DeploymentID)
	logger.Info("processing rollback job", "job_id", job.ID)

	if err := w.tracker.MarkRollingBack(ctx, job.DeploymentID); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			logger.Info("skipping rollback, deployment not in a rollbackable state")
			return nil
		}
		return fmt.Errorf("marking rolling_back: %w", err)
	}
	w.recordTransition(models.DeploymentStatusRollingBack)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Rolling back deployment", "Rolling back")

	state, err := w.tracker.SnapshotState(ctx, job.DeploymentID)
	if err != nil {
		w.fail(ctx, job.DeploymentID, "rollback", "rollback snapshot unavailable", err.Error())
		return nil
	}

	d, err := w.store.Deployments().Get(ctx, job.DeploymentID)
	if err != nil {
		return fmt.Errorf("getting deployment: %w", err)
	}

	if d.ContainerID != "" {
		if err := w.runtime.StopContainer(ctx, d.ContainerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			w.fail(ctx, job.DeploymentID, "rollback", "stopping current container failed", err.Error())
			return nil
		}
		w.removeQuietly(ctx, d.ContainerID)
	}

	// Restore the snapshotted container if one was captured.
	if prior, ok := state["container_id"].(string); ok && prior != "" {
		if err := w.runtime.StartContainer(ctx, prior); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			w.fail(ctx, job.DeploymentID, "rollback", "restoring previous container failed", err.Error())
			return nil
		}
		w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, fmt.Sprintf("Restored container %s", prior), "Rolling back")
	}

	if err := w.tracker.MarkRolledBack(ctx, job.DeploymentID); err != nil {
		return w.transitionErr(ctx, err, "marking rolled_back")
	}
	w.recordTransition(models.DeploymentStatusRolledBack)
	w.appendLog(ctx, job.DeploymentID, models.LogLevelInfo, "Rollback completed", "Rolled back")
	if w.metrics != nil {
		w.metrics.Rollbacks.Inc()
	}

	logger.Info("rollback completed")
	return nil
}

// buildSpec assembles the container spec from the template and the sealed
// deployment variables. Secret variables are unsealed here, on the worker,
// which is the only process holding the age private key.
func (w *Worker) buildSpec(d *models.Deployment, template *models.Template, job *models.InstallJob) (runtime.ContainerSpec, error) {
	spec := runtime.ContainerSpec{
		Name:    fmt.Sprintf("homeport-%s", d.AppName),
		Image:   job.Image,
		Ports:   template.Ports,
		Volumes: template.Volumes,
	}

	for name, value := range d.Variables {
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprintf("%v", value)
		}

		if v, declared := template.Variable(name); declared && v.Secret {
			if w.secrets == nil || !w.secrets.CanOpen() {
				return runtime.ContainerSpec{}, fmt.Errorf("secret variable %s present but no unsealing key configured", name)
			}
			plain, err := w.secrets.OpenString(str)
			if err != nil {
				return runtime.ContainerSpec{}, fmt.Errorf("unsealing variable %s: %w", name, err)
			}
			str = plain
		}

		spec.Env = append(spec.Env, fmt.Sprintf("%s=%s", name, str))
	}

	return spec, nil
}

// snapshotPrevious captures the currently completed install of the same app,
// if any, so the new install can be rolled back to it.
func (w *Worker) snapshotPrevious(ctx context.Context, d *models.Deployment) {
	completed, err := w.store.Deployments().ListByStatus(ctx, models.DeploymentStatusCompleted)
	if err != nil {
		w.logger.Warn("could not list completed deployments for snapshot", "error", err)
		return
	}

	var prior *models.Deployment
	for _, c := range completed {
		if c.AppName == d.AppName && c.ID != d.ID {
			prior = c
		}
	}
	if prior == nil {
		return
	}

	state := map[string]any{
		"deployment_id":  prior.ID,
		"template_id":    prior.TemplateID,
		"container_id":   prior.ContainerID,
		"container_name": prior.ContainerName,
	}
	if err := w.tracker.CreateRollbackSnapshot(ctx, d.ID, state); err != nil {
		w.logger.Warn("could not capture rollback snapshot", "deployment_id", d.ID, "error", err)
	}
}

// cancelled re-reads the deployment between phases. A cancelled record stops
// the install; the flag is the only cancellation signal.
func (w *Worker) cancelled(ctx context.Context, id string) bool {
	d, err := w.store.Deployments().Get(ctx, id)
	if err != nil {
		w.logger.Error("could not re-read deployment for cancellation check", "deployment_id", id, "error", err)
		return false
	}
	if d.Status == models.DeploymentStatusCancelled {
		w.logger.Info("deployment cancelled, stopping install", "deployment_id", id)
		return true
	}
	return false
}

func (w *Worker) advance(ctx context.Context, id string, step int, name string) {
	if err := w.tracker.Advance(ctx, id, step, name, nil); err != nil {
		w.logger.Warn("could not record progress", "deployment_id", id, "step", name, "error", err)
	}
}

func (w *Worker) appendLog(ctx context.Context, id, level, message, step string) {
	if err := w.tracker.AppendLog(ctx, id, level, message, step); err != nil {
		w.logger.Warn("could not append deployment log", "deployment_id", id, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, id, phase, message, details string) {
	w.appendLog(ctx, id, models.LogLevelError, message, "")
	if err := w.tracker.MarkFailed(ctx, id, message, details); err != nil {
		w.logger.Error("could not mark deployment failed", "deployment_id", id, "error", err)
		return
	}
	w.recordTransition(models.DeploymentStatusFailed)
	if w.metrics != nil {
		w.metrics.RecordFailure(phase)
	}
}

// transitionErr treats a lost transition race as job completion and anything
// else as a retryable error.
func (w *Worker) transitionErr(ctx context.Context, err error, op string) error {
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		w.logger.Info("install interrupted by concurrent status change", "op", op, "error", err)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (w *Worker) removeQuietly(ctx context.Context, containerID string) {
	if err := w.runtime.RemoveContainer(ctx, containerID, true); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		w.logger.Warn("could not remove container", "container_id", containerID, "error", err)
	}
}

func (w *Worker) recordTransition(to models.DeploymentStatus) {
	if w.metrics != nil {
		w.metrics.RecordTransition(string(to))
	}
}
