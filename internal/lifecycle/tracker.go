// Package lifecycle tracks marketplace app installations from enqueue through
// rollback. Each deployment is one record moved through a fixed status
// progression by the operations below; every state-changing operation is a
// single guarded row update, so the store's transaction guarantees are the
// only concurrency control.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// SnapshotCipher seals rollback snapshot payloads at rest. When configured,
// the tracker stores ciphertext instead of the raw state map.
type SnapshotCipher interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Tracker owns deployment records and their status progression.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	cipher SnapshotCipher
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSnapshotCipher seals rollback snapshot state before it is persisted.
func WithSnapshotCipher(c SnapshotCipher) Option {
	return func(t *Tracker) { t.cipher = c }
}

// NewTracker creates a tracker over the given store.
func NewTracker(st store.Store, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:  st,
		logger: logger.With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateParams are the creation-time fields of a deployment. Everything here
// is immutable after Create.
type CreateParams struct {
	DeploymentID string
	TemplateID   string
	AppName      string
	Category     string
	TotalSteps   int
	StartedBy    string
	Variables    map[string]any
}

// Create persists a new deployment in pending with zero progress.
func (t *Tracker) Create(ctx context.Context, p CreateParams) (*models.Deployment, error) {
	if p.TotalSteps < 1 {
		return nil, ErrInvalidTotalSteps
	}

	now := time.Now().UTC()
	d := &models.Deployment{
		ID:         p.DeploymentID,
		TemplateID: p.TemplateID,
		AppName:    p.AppName,
		Category:   p.Category,
		StartedBy:  p.StartedBy,
		Status:     models.DeploymentStatusPending,
		TotalSteps: p.TotalSteps,
		Variables:  p.Variables,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := t.store.Deployments().Create(ctx, d); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, ErrDuplicateDeployment
		}
		return nil, fmt.Errorf("creating deployment: %w", err)
	}

	t.logger.Info("deployment created",
		"deployment_id", d.ID,
		"template_id", d.TemplateID,
		"app_name", d.AppName,
	)
	return d, nil
}

// Get retrieves a deployment record.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Deployment, error) {
	return t.store.Deployments().Get(ctx, id)
}

// View returns the read model for a deployment.
func (t *Tracker) View(ctx context.Context, id string) (*View, error) {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewView(d), nil
}

// MarkQueued moves a pending deployment to queued.
func (t *Tracker) MarkQueued(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusQueued, nil)
	return err
}

// MarkStarted moves a deployment into pulling_image and stamps started_at.
// Valid from pending or queued; anything else is already started or done.
func (t *Tracker) MarkStarted(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusPullingImage, func(d *models.Deployment) {
		now := time.Now().UTC()
		d.StartedAt = &now
	})
	return err
}

// MarkCreatingContainer moves a deployment into creating_container.
func (t *Tracker) MarkCreatingContainer(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusCreatingContainer, nil)
	return err
}

// MarkConfiguring moves a deployment into configuring.
func (t *Tracker) MarkConfiguring(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusConfiguring, nil)
	return err
}

// MarkStarting moves a deployment into starting.
func (t *Tracker) MarkStarting(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusStarting, nil)
	return err
}

// MarkRunning moves a deployment into running.
func (t *Tracker) MarkRunning(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusRunning, nil)
	return err
}

// Advance records step-level progress. It never changes status; the caller
// drives status through the Mark* operations as the install proceeds.
//
// When percent is nil the progress percentage is computed from the step
// number against total_steps. An explicit percent is trusted as-is and not
// validated against the computed value or against monotonicity.
func (t *Tracker) Advance(ctx context.Context, id string, stepNumber int, stepName string, percent *float64) error {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return &InvalidTransitionError{DeploymentID: id, From: d.Status, To: d.Status}
	}

	d.CurrentStepNumber = stepNumber
	d.CurrentStep = stepName
	if percent != nil {
		d.ProgressPercent = *percent
	} else {
		d.ProgressPercent = float64(stepNumber) / float64(d.TotalSteps) * 100
	}

	err = t.store.Deployments().UpdateWhereStatus(ctx, d, nonTerminalStatuses())
	if errors.Is(err, store.ErrStatusConflict) {
		return t.conflict(ctx, id, d.Status)
	}
	return err
}

// MarkCompleted finishes a deployment: status completed, progress pinned to
// 100, rollback enabled. Container identifiers are recorded if supplied and
// left untouched if empty.
func (t *Tracker) MarkCompleted(ctx context.Context, id string, containerID, containerName string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusCompleted, func(d *models.Deployment) {
		now := time.Now().UTC()
		d.CompletedAt = &now
		d.ProgressPercent = 100
		d.CurrentStep = "Completed"
		d.CurrentStepNumber = d.TotalSteps
		d.RollbackAvailable = true
		if containerID != "" {
			d.ContainerID = containerID
		}
		if containerName != "" {
			d.ContainerName = containerName
		}
	})
	return err
}

// MarkFailed fails a deployment and records the error fields. Rollback stays
// unavailable unless a snapshot was captured earlier; failure alone does not
// create rollback eligibility.
func (t *Tracker) MarkFailed(ctx context.Context, id string, message, details string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusFailed, func(d *models.Deployment) {
		now := time.Now().UTC()
		d.CompletedAt = &now
		d.ErrorMessage = message
		d.ErrorDetails = details
		d.RollbackAvailable = d.RollbackSnapshot != nil
	})
	return err
}

// MarkCancelled cancels a deployment. The background job observes the status
// cooperatively; nothing is interrupted here.
func (t *Tracker) MarkCancelled(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusCancelled, func(d *models.Deployment) {
		now := time.Now().UTC()
		d.CompletedAt = &now
	})
	return err
}

// MarkRollingBack moves a completed deployment into rolling_back.
func (t *Tracker) MarkRollingBack(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusRollingBack, nil)
	return err
}

// MarkRolledBack finishes a rollback.
func (t *Tracker) MarkRolledBack(ctx context.Context, id string) error {
	_, err := t.transition(ctx, id, models.DeploymentStatusRolledBack, func(d *models.Deployment) {
		now := time.Now().UTC()
		d.CompletedAt = &now
	})
	return err
}

// CreateRollbackSnapshot captures state for a later rollback and enables the
// rollback flag. Calling it again overwrites the prior snapshot; the
// append-only log entries are the only history kept. Unlike the Mark*
// operations it is permitted on terminal records, so an operator can capture
// a snapshot after the fact.
func (t *Tracker) CreateRollbackSnapshot(ctx context.Context, id string, state map[string]any) error {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return err
	}

	snapshot := &models.RollbackSnapshot{
		CapturedAt: time.Now().UTC(),
	}
	if t.cipher != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling snapshot state: %w", err)
		}
		sealed, err := t.cipher.Seal(raw)
		if err != nil {
			return fmt.Errorf("sealing snapshot state: %w", err)
		}
		snapshot.Sealed = sealed
	} else {
		snapshot.State = state
	}

	d.RollbackSnapshot = snapshot
	d.PreviousState = state
	d.RollbackAvailable = true

	if err := t.store.Deployments().Update(ctx, d); err != nil {
		return fmt.Errorf("storing rollback snapshot: %w", err)
	}

	t.logger.Info("rollback snapshot captured", "deployment_id", id)
	return nil
}

// SnapshotState returns the state captured by the deployment's rollback
// snapshot, unsealing it if a cipher is configured.
func (t *Tracker) SnapshotState(ctx context.Context, id string) (map[string]any, error) {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RollbackSnapshot == nil {
		return nil, fmt.Errorf("deployment %s has no rollback snapshot", id)
	}

	if d.RollbackSnapshot.Sealed != "" {
		if t.cipher == nil {
			return nil, fmt.Errorf("deployment %s snapshot is sealed and no cipher is configured", id)
		}
		raw, err := t.cipher.Open(d.RollbackSnapshot.Sealed)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot state: %w", err)
		}
		var state map[string]any
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot state: %w", err)
		}
		return state, nil
	}

	return d.RollbackSnapshot.State, nil
}

// RecordOutputs merges runtime outputs into the record without touching
// status or progress. Empty fields leave existing values in place.
type Outputs struct {
	Variables     map[string]any
	ComposePath   string
	ContainerID   string
	ContainerName string
}

// RecordOutputs persists install outputs as they become known.
func (t *Tracker) RecordOutputs(ctx context.Context, id string, out Outputs) error {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return err
	}

	if len(out.Variables) > 0 {
		if d.Variables == nil {
			d.Variables = make(map[string]any, len(out.Variables))
		}
		for k, v := range out.Variables {
			d.Variables[k] = v
		}
	}
	if out.ComposePath != "" {
		d.ComposePath = out.ComposePath
	}
	if out.ContainerID != "" {
		d.ContainerID = out.ContainerID
	}
	if out.ContainerName != "" {
		d.ContainerName = out.ContainerName
	}

	return t.store.Deployments().Update(ctx, d)
}

// AppendLog records a structured log entry for the deployment and appends
// the message to the record's free-text log. Pure audit trail; no status
// effect, permitted in any state.
func (t *Tracker) AppendLog(ctx context.Context, id string, level, message, step string) error {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return err
	}

	entry := &models.DeploymentLogEntry{
		DeploymentID: id,
		Level:        level,
		Message:      message,
		Step:         step,
		Timestamp:    time.Now().UTC(),
	}
	if err := t.store.DeploymentLogs().Append(ctx, entry); err != nil {
		return fmt.Errorf("appending deployment log: %w", err)
	}

	line := fmt.Sprintf("%s [%s] %s", entry.Timestamp.Format(time.RFC3339), level, message)
	if d.Logs != "" {
		d.Logs += "\n"
	}
	d.Logs += line

	if err := t.store.Deployments().Update(ctx, d); err != nil {
		return fmt.Errorf("updating deployment log text: %w", err)
	}
	return nil
}

// Logs retrieves structured log entries for a deployment, oldest first.
func (t *Tracker) Logs(ctx context.Context, id string, limit int) ([]*models.DeploymentLogEntry, error) {
	return t.store.DeploymentLogs().List(ctx, id, limit)
}

// LogsAfter retrieves structured log entries newer than afterID, for tailing.
func (t *Tracker) LogsAfter(ctx context.Context, id string, afterID int64, limit int) ([]*models.DeploymentLogEntry, error) {
	return t.store.DeploymentLogs().ListAfter(ctx, id, afterID, limit)
}

// transition moves a deployment to target with a guarded single-row write.
// mutate, if non-nil, adjusts the loaded record before it is written. The
// guard set is every status the transition table permits as a source for
// target, so a record whose status moved between the read and the write is
// still only updated from a legal source.
func (t *Tracker) transition(ctx context.Context, id string, target models.DeploymentStatus, mutate func(*models.Deployment)) (*models.Deployment, error) {
	d, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !d.Status.CanTransition(target) {
		return nil, &InvalidTransitionError{DeploymentID: id, From: d.Status, To: target}
	}

	from := d.Status
	d.Status = target
	if mutate != nil {
		mutate(d)
	}

	err = t.store.Deployments().UpdateWhereStatus(ctx, d, sourcesFor(target))
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, t.conflict(ctx, id, target)
		}
		return nil, fmt.Errorf("updating deployment status: %w", err)
	}

	t.logger.Info("deployment transitioned",
		"deployment_id", id,
		"from", from,
		"to", target,
	)
	return d, nil
}

// conflict builds the InvalidTransitionError for a guard miss, re-reading the
// record so the error carries the status that actually blocked the write.
func (t *Tracker) conflict(ctx context.Context, id string, target models.DeploymentStatus) error {
	current, err := t.store.Deployments().Get(ctx, id)
	if err != nil {
		return &InvalidTransitionError{DeploymentID: id, To: target}
	}
	return &InvalidTransitionError{DeploymentID: id, From: current.Status, To: target}
}

// sourcesFor returns every status from which the transition table permits a
// move to target.
func sourcesFor(target models.DeploymentStatus) []models.DeploymentStatus {
	var out []models.DeploymentStatus
	for _, s := range models.AllDeploymentStatuses {
		if s.CanTransition(target) {
			out = append(out, s)
		}
	}
	return out
}

func nonTerminalStatuses() []models.DeploymentStatus {
	var out []models.DeploymentStatus
	for _, s := range models.AllDeploymentStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
