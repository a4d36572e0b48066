package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `id, template_id, app_name, category, started_by, status,
	progress_percent, current_step, current_step_number, total_steps,
	variables, compose_path, container_id, container_name,
	rollback_available, rollback_snapshot, previous_state,
	error_message, error_details, logs,
	created_at, updated_at, started_at, completed_at`

// Create persists a new deployment record.
func (s *DeploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	variablesJSON, snapshotJSON, previousJSON, err := marshalDeploymentJSON(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}

	_, err = s.conn().ExecContext(ctx, query,
		d.ID,
		d.TemplateID,
		d.AppName,
		d.Category,
		d.StartedBy,
		d.Status,
		d.ProgressPercent,
		d.CurrentStep,
		d.CurrentStepNumber,
		d.TotalSteps,
		variablesJSON,
		d.ComposePath,
		d.ContainerID,
		d.ContainerName,
		d.RollbackAvailable,
		snapshotJSON,
		previousJSON,
		d.ErrorMessage,
		d.ErrorDetails,
		d.Logs,
		d.CreatedAt,
		d.UpdatedAt,
		d.StartedAt,
		d.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}

	return nil
}

// Get retrieves a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`

	row := s.conn().QueryRowContext(ctx, query, id)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// List retrieves all deployments, newest first.
func (s *DeploymentStore) List(ctx context.Context, limit int) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// ListByStatus retrieves deployments with the given status, oldest first.
func (s *DeploymentStore) ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 ORDER BY created_at ASC`

	rows, err := s.conn().QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("querying deployments by status: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// ListActive retrieves deployments in any non-terminal status, oldest first.
func (s *DeploymentStore) ListActive(ctx context.Context) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status NOT IN ('completed', 'failed', 'rolled_back', 'cancelled')
		ORDER BY created_at ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// Update writes all mutable fields of an existing deployment.
func (s *DeploymentStore) Update(ctx context.Context, d *models.Deployment) error {
	return s.update(ctx, d, nil)
}

// UpdateWhereStatus writes all mutable fields of an existing deployment,
// guarded so the write only applies while the stored status is one of
// allowed. The whole update is a single statement; a record whose status
// moved out of the allowed set is left untouched.
func (s *DeploymentStore) UpdateWhereStatus(ctx context.Context, d *models.Deployment, allowed []models.DeploymentStatus) error {
	return s.update(ctx, d, allowed)
}

func (s *DeploymentStore) update(ctx context.Context, d *models.Deployment, allowed []models.DeploymentStatus) error {
	variablesJSON, snapshotJSON, previousJSON, err := marshalDeploymentJSON(d)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments
		SET status = $2, progress_percent = $3, current_step = $4,
			current_step_number = $5, total_steps = $6, variables = $7,
			compose_path = $8, container_id = $9, container_name = $10,
			rollback_available = $11, rollback_snapshot = $12,
			previous_state = $13, error_message = $14, error_details = $15,
			logs = $16, updated_at = $17, started_at = $18, completed_at = $19
		WHERE id = $1`

	d.UpdatedAt = time.Now().UTC()

	args := []any{
		d.ID,
		d.Status,
		d.ProgressPercent,
		d.CurrentStep,
		d.CurrentStepNumber,
		d.TotalSteps,
		variablesJSON,
		d.ComposePath,
		d.ContainerID,
		d.ContainerName,
		d.RollbackAvailable,
		snapshotJSON,
		previousJSON,
		d.ErrorMessage,
		d.ErrorDetails,
		d.Logs,
		d.UpdatedAt,
		d.StartedAt,
		d.CompletedAt,
	}

	if len(allowed) > 0 {
		query += ` AND status = ANY($20)`
		statuses := make([]string, len(allowed))
		for i, st := range allowed {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
	}

	result, err := s.conn().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if len(allowed) == 0 {
			return store.ErrNotFound
		}
		// Distinguish a missing row from a status guard miss.
		var exists bool
		checkErr := s.conn().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, d.ID).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("checking deployment existence: %w", checkErr)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrStatusConflict
	}

	return nil
}

func marshalDeploymentJSON(d *models.Deployment) (variables, snapshot, previous []byte, err error) {
	variables, err = json.Marshal(d.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling variables: %w", err)
	}
	snapshot, err = json.Marshal(d.RollbackSnapshot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling rollback snapshot: %w", err)
	}
	previous, err = json.Marshal(d.PreviousState)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling previous state: %w", err)
	}
	return variables, snapshot, previous, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	var variablesJSON, snapshotJSON, previousJSON []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&d.ID,
		&d.TemplateID,
		&d.AppName,
		&d.Category,
		&d.StartedBy,
		&d.Status,
		&d.ProgressPercent,
		&d.CurrentStep,
		&d.CurrentStepNumber,
		&d.TotalSteps,
		&variablesJSON,
		&d.ComposePath,
		&d.ContainerID,
		&d.ContainerName,
		&d.RollbackAvailable,
		&snapshotJSON,
		&previousJSON,
		&d.ErrorMessage,
		&d.ErrorDetails,
		&d.Logs,
		&d.CreatedAt,
		&d.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		d.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}

	if len(variablesJSON) > 0 && string(variablesJSON) != "null" {
		if err := json.Unmarshal(variablesJSON, &d.Variables); err != nil {
			return nil, fmt.Errorf("unmarshaling variables: %w", err)
		}
	}
	if len(snapshotJSON) > 0 && string(snapshotJSON) != "null" {
		if err := json.Unmarshal(snapshotJSON, &d.RollbackSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshaling rollback snapshot: %w", err)
		}
	}
	if len(previousJSON) > 0 && string(previousJSON) != "null" {
		if err := json.Unmarshal(previousJSON, &d.PreviousState); err != nil {
			return nil, fmt.Errorf("unmarshaling previous state: %w", err)
		}
	}

	return d, nil
}

func scanDeployments(rows *sql.Rows) ([]*models.Deployment, error) {
	var deployments []*models.Deployment

	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployment rows: %w", err)
	}

	return deployments, nil
}
