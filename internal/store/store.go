// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/homeport-sh/homeport/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when attempting to create a resource with
	// an identifier that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrStatusConflict is returned by guarded deployment writes when the
	// row exists but its status is not among the allowed source states.
	ErrStatusConflict = errors.New("deployment status conflict")
)

// DeploymentStore defines operations for deployment record management.
// Records are insert-and-update only; nothing here deletes a row.
type DeploymentStore interface {
	// Create persists a new deployment record. Returns ErrDuplicateKey if
	// the deployment ID is already taken.
	Create(ctx context.Context, d *models.Deployment) error
	// Get retrieves a deployment by ID.
	Get(ctx context.Context, id string) (*models.Deployment, error)
	// List retrieves all deployments, newest first.
	List(ctx context.Context, limit int) ([]*models.Deployment, error)
	// ListByStatus retrieves deployments with the given status, oldest first.
	ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error)
	// ListActive retrieves deployments in any non-terminal status, oldest first.
	ListActive(ctx context.Context) ([]*models.Deployment, error)
	// Update writes all mutable fields of an existing deployment.
	Update(ctx context.Context, d *models.Deployment) error
	// UpdateWhereStatus writes all mutable fields of an existing deployment
	// in a single guarded statement that only applies while the stored
	// status is one of allowed. Returns ErrStatusConflict when the row
	// exists outside the allowed set, ErrNotFound when it does not exist.
	UpdateWhereStatus(ctx context.Context, d *models.Deployment, allowed []models.DeploymentStatus) error
}

// DeploymentLogStore defines operations for the append-only deployment log.
type DeploymentLogStore interface {
	// Append inserts a new log entry. Entries are never mutated or deleted.
	Append(ctx context.Context, entry *models.DeploymentLogEntry) error
	// List retrieves up to limit entries for a deployment, oldest first.
	// A limit of zero or less means no limit.
	List(ctx context.Context, deploymentID string, limit int) ([]*models.DeploymentLogEntry, error)
	// ListAfter retrieves entries with an ID greater than afterID, oldest
	// first. Used by live log tailing.
	ListAfter(ctx context.Context, deploymentID string, afterID int64, limit int) ([]*models.DeploymentLogEntry, error)
}

// TemplateStore defines operations for the marketplace template catalog.
type TemplateStore interface {
	// Create creates a new template. Returns ErrDuplicateKey on a reused ID.
	Create(ctx context.Context, t *models.Template) error
	// Get retrieves a template by ID.
	Get(ctx context.Context, id string) (*models.Template, error)
	// List retrieves all templates ordered by category then name.
	List(ctx context.Context) ([]*models.Template, error)
	// ListByCategory retrieves templates in the given category.
	ListByCategory(ctx context.Context, category string) ([]*models.Template, error)
	// Update updates an existing template.
	Update(ctx context.Context, t *models.Template) error
	// Delete removes a template from the catalog.
	Delete(ctx context.Context, id string) error
	// Count returns the number of templates in the catalog.
	Count(ctx context.Context) (int, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Deployments returns the DeploymentStore.
	Deployments() DeploymentStore
	// DeploymentLogs returns the DeploymentLogStore.
	DeploymentLogs() DeploymentLogStore
	// Templates returns the TemplateStore.
	Templates() TemplateStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies connectivity to the underlying storage.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}
